package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aftionix/jobboard-realtime/notify"
)

type fakeDesktop struct {
	supported  bool
	permission Permission
	askedCount int
	askResult  Permission
	askErr     error
	shown      []string
	showErr    error
	lastTitle  string
}

func (f *fakeDesktop) Supported() bool        { return f.supported }
func (f *fakeDesktop) Permission() Permission { return f.permission }

func (f *fakeDesktop) RequestPermission(ctx context.Context) (Permission, error) {
	f.askedCount++
	if f.askErr != nil {
		return PermissionDefault, f.askErr
	}
	f.permission = f.askResult
	return f.askResult, nil
}

func (f *fakeDesktop) Show(ctx context.Context, title, body, tag string, autoDismiss time.Duration) error {
	if f.showErr != nil {
		return f.showErr
	}
	f.shown = append(f.shown, tag)
	f.lastTitle = title
	return nil
}

func sample() notify.Notification {
	return notify.Notification{ID: "n1", Type: notify.TypeJobMatch, Title: "Match", Message: "New job for you"}
}

func TestPresenter_DesktopWhenGranted(t *testing.T) {
	desktop := &fakeDesktop{supported: true, permission: PermissionGranted}
	inAppCalled := false
	p := NewPresenter(desktop, func(notify.Notification) { inAppCalled = true }, nil)

	p.Present(context.Background(), notify.RoleJobseeker, sample())

	if len(desktop.shown) != 1 {
		t.Fatalf("expected 1 desktop notification, got %d", len(desktop.shown))
	}
	if desktop.lastTitle != "Jobseeker: Match" {
		t.Errorf("expected role prefix in title, got %q", desktop.lastTitle)
	}
	if inAppCalled {
		t.Error("in-app surface should not fire when desktop succeeded")
	}
}

func TestPresenter_PromptsOnceWhileDefault(t *testing.T) {
	desktop := &fakeDesktop{supported: true, permission: PermissionDefault, askResult: PermissionGranted}
	p := NewPresenter(desktop, nil, nil)

	p.Present(context.Background(), notify.RoleEmployer, sample())
	p.Present(context.Background(), notify.RoleEmployer, sample())

	if desktop.askedCount != 1 {
		t.Errorf("expected 1 permission prompt, got %d", desktop.askedCount)
	}
	if len(desktop.shown) != 2 {
		t.Errorf("expected 2 desktop notifications, got %d", len(desktop.shown))
	}
}

func TestPresenter_DismissedPromptNeverReasked(t *testing.T) {
	// askResult stays default: the user dismissed the prompt without
	// answering, which is what most platforms report afterwards
	desktop := &fakeDesktop{supported: true, permission: PermissionDefault, askResult: PermissionDefault}
	var inApp []string
	p := NewPresenter(desktop, func(n notify.Notification) { inApp = append(inApp, n.ID) }, nil)

	for i := 0; i < 3; i++ {
		p.Present(context.Background(), notify.RoleJobseeker, sample())
	}

	if desktop.askedCount != 1 {
		t.Errorf("expected a single permission prompt, got %d", desktop.askedCount)
	}
	if len(desktop.shown) != 0 {
		t.Errorf("desktop surface used without permission, %d shown", len(desktop.shown))
	}
	if len(inApp) != 3 {
		t.Errorf("expected every notification in-app, got %d", len(inApp))
	}
}

func TestPresenter_DeniedFallsBackInApp(t *testing.T) {
	desktop := &fakeDesktop{supported: true, permission: PermissionDenied}
	var inApp []string
	p := NewPresenter(desktop, func(n notify.Notification) { inApp = append(inApp, n.ID) }, nil)

	p.Present(context.Background(), notify.RoleJobseeker, sample())

	if desktop.askedCount != 0 {
		t.Error("denied permission must not be re-prompted")
	}
	if len(desktop.shown) != 0 {
		t.Error("desktop surface used despite denial")
	}
	if len(inApp) != 1 {
		t.Errorf("expected in-app delivery, got %d", len(inApp))
	}
}

func TestPresenter_ShowFailureDegradesInApp(t *testing.T) {
	desktop := &fakeDesktop{supported: true, permission: PermissionGranted, showErr: errors.New("dbus gone")}
	var inApp []string
	p := NewPresenter(desktop, func(n notify.Notification) { inApp = append(inApp, n.ID) }, nil)

	p.Present(context.Background(), notify.RoleJobseeker, sample())

	if len(inApp) != 1 {
		t.Errorf("expected in-app fallback after display failure, got %d", len(inApp))
	}
}

func TestPresenter_UnsupportedGoesStraightInApp(t *testing.T) {
	desktop := &fakeDesktop{supported: false}
	var inApp []string
	p := NewPresenter(desktop, func(n notify.Notification) { inApp = append(inApp, n.ID) }, nil)

	p.Present(context.Background(), notify.RoleAdmin, sample())

	if desktop.askedCount != 0 || len(desktop.shown) != 0 {
		t.Error("unsupported surface should never be touched")
	}
	if len(inApp) != 1 {
		t.Errorf("expected in-app delivery, got %d", len(inApp))
	}
}

func TestPresenter_NilSurfacesAreSilent(t *testing.T) {
	p := NewPresenter(nil, nil, nil)
	// must not panic
	p.Present(context.Background(), notify.RoleJobseeker, sample())
}
