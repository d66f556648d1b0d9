package client

import (
	"context"
	"sync"
	"time"

	"github.com/aftionix/jobboard-realtime/notify"
	"github.com/aftionix/jobboard-realtime/pkg/observability"
)

// Permission mirrors the platform notification permission states.
type Permission int

const (
	PermissionDefault Permission = iota
	PermissionGranted
	PermissionDenied
)

// DesktopNotifier abstracts the host's native notification surface. An
// implementation may wrap a platform toolkit or shell out to notify-send;
// tests use a fake.
type DesktopNotifier interface {
	// Supported reports whether the surface exists at all on this host.
	Supported() bool
	Permission() Permission
	// RequestPermission prompts the user. The Presenter invokes it at most
	// once per lifetime, and only while the answer is default.
	RequestPermission(ctx context.Context) (Permission, error)
	// Show displays a native notification. tag collapses repeat displays of
	// the same notification; autoDismiss asks the surface to close it.
	Show(ctx context.Context, title, body, tag string, autoDismiss time.Duration) error
}

// InAppHandler renders a notification inside the application when the
// desktop surface is unavailable or denied.
type InAppHandler func(n notify.Notification)

// DefaultAutoDismiss is how long a desktop notification stays up before the
// presenter asks the surface to close it.
const DefaultAutoDismiss = 5 * time.Second

// Presenter decides how each inbound notification is shown: desktop when the
// surface is supported and permitted, in-app otherwise, silent as the last
// resort. Display failures degrade, they never propagate.
type Presenter struct {
	desktop     DesktopNotifier
	inApp       InAppHandler
	log         *observability.Logger
	autoDismiss time.Duration

	// asked gates the permission prompt: one per presenter lifetime, even
	// when a dismissed prompt leaves the platform answer at default.
	mu    sync.Mutex
	asked bool
}

// NewPresenter builds a presenter. Either surface may be nil: a nil desktop
// skips native display, a nil inApp makes in-app delivery silent.
func NewPresenter(desktop DesktopNotifier, inApp InAppHandler, log *observability.Logger) *Presenter {
	if log == nil {
		log = observability.NewLogger("realtime-client")
	}
	return &Presenter{
		desktop:     desktop,
		inApp:       inApp,
		log:         log.WithCategory("presenter"),
		autoDismiss: DefaultAutoDismiss,
	}
}

// Present shows one notification. The desktop path is attempted only when
// the surface is supported and permission resolves to granted; a default
// permission triggers at most one prompt per presenter, and denied is
// respected without re-asking. Any failure falls through to in-app.
func (p *Presenter) Present(ctx context.Context, role notify.Role, n notify.Notification) {
	if p.presentDesktop(ctx, role, n) {
		return
	}
	if p.inApp != nil {
		p.inApp(n)
		return
	}
	p.log.Debug("notification accepted silently", "id", n.ID, "type", string(n.Type))
}

func (p *Presenter) presentDesktop(ctx context.Context, role notify.Role, n notify.Notification) bool {
	if p.desktop == nil || !p.desktop.Supported() {
		return false
	}

	perm := p.desktop.Permission()
	if perm == PermissionDefault {
		if !p.claimPrompt() {
			// the one prompt was already spent and the user gave no answer
			return false
		}
		granted, err := p.desktop.RequestPermission(ctx)
		if err != nil {
			p.log.Debug("permission request failed", "error", err.Error())
			return false
		}
		perm = granted
	}
	if perm != PermissionGranted {
		return false
	}

	title := desktopTitle(role, n.Title)
	if err := p.desktop.Show(ctx, title, n.Message, n.ID, p.autoDismiss); err != nil {
		p.log.Debug("desktop display failed", "id", n.ID, "error", err.Error())
		return false
	}
	return true
}

// claimPrompt reports whether this call owns the presenter's single
// permission prompt.
func (p *Presenter) claimPrompt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.asked {
		return false
	}
	p.asked = true
	return true
}

// desktopTitle prefixes the title with the audience so employer and
// jobseeker sessions on the same machine stay distinguishable.
func desktopTitle(role notify.Role, title string) string {
	switch role {
	case notify.RoleEmployer:
		return "Employer: " + title
	case notify.RoleJobseeker:
		return "Jobseeker: " + title
	default:
		return title
	}
}
