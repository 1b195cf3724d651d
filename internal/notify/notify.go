// Package notify keeps the user-facing toast feed.
package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Kind string

const (
	KindLoading Kind = "loading"
	KindSuccess Kind = "success"
	KindError   Kind = "error"
)

const (
	defaultSuccessIcon = "🌈"
	defaultErrorIcon   = "🔥"
	defaultDuration    = 5 * time.Second
	defaultCapacity    = 50
)

type Toast struct {
	ID        uint64    `json:"id"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	Icon      string    `json:"icon,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Dismissed bool      `json:"dismissed"`
}

// PromiseMessages are shown while a promise runs and once it settles.
type PromiseMessages struct {
	Loading     string
	Success     string
	Error       string
	SuccessIcon string
	ErrorIcon   string
}

// Notifier surfaces progress and outcomes to the user.
type Notifier interface {
	Loading(msg string) uint64
	Success(msg string) uint64
	Error(msg string) uint64
	Dismiss()
	Promise(msgs PromiseMessages, fn func() error) error
}

// Feed is an in-memory Notifier. Success and error toasts expire after the
// configured duration; loading toasts stay until dismissed or settled.
type Feed struct {
	mu       sync.Mutex
	toasts   []Toast
	nextID   uint64
	duration time.Duration
	capacity int
	now      func() time.Time
	logger   zerolog.Logger
}

type FeedOption func(*Feed)

func WithDuration(d time.Duration) FeedOption {
	return func(f *Feed) { f.duration = d }
}

func WithLogger(logger zerolog.Logger) FeedOption {
	return func(f *Feed) { f.logger = logger }
}

func NewFeed(opts ...FeedOption) *Feed {
	f := &Feed{
		duration: defaultDuration,
		capacity: defaultCapacity,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Feed) Loading(msg string) uint64 {
	return f.push(KindLoading, msg, "")
}

func (f *Feed) Success(msg string) uint64 {
	return f.push(KindSuccess, msg, defaultSuccessIcon)
}

func (f *Feed) Error(msg string) uint64 {
	return f.push(KindError, msg, defaultErrorIcon)
}

// Dismiss hides every toast currently shown.
func (f *Feed) Dismiss() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.toasts {
		f.toasts[i].Dismissed = true
	}
}

// Promise shows a loading toast, runs fn and replaces the toast in place with
// the success or error message. fn's error is returned unchanged.
func (f *Feed) Promise(msgs PromiseMessages, fn func() error) error {
	id := f.Loading(msgs.Loading)
	err := fn()

	kind, msg, icon := KindSuccess, msgs.Success, msgs.SuccessIcon
	if err != nil {
		kind, msg, icon = KindError, msgs.Error, msgs.ErrorIcon
	}

	f.mu.Lock()
	replaced := false
	for i := range f.toasts {
		if f.toasts[i].ID != id {
			continue
		}
		f.toasts[i].Kind = kind
		f.toasts[i].Message = msg
		f.toasts[i].Icon = icon
		f.toasts[i].CreatedAt = f.now()
		f.toasts[i].Dismissed = false
		replaced = true
	}
	f.mu.Unlock()

	if !replaced {
		f.push(kind, msg, icon)
	} else {
		f.log(kind, msg)
	}
	return err
}

// Active returns the toasts a user would currently see, oldest first.
func (f *Feed) Active() []Toast {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	out := make([]Toast, 0, len(f.toasts))
	for _, t := range f.toasts {
		if t.Dismissed {
			continue
		}
		if t.Kind != KindLoading && now.Sub(t.CreatedAt) > f.duration {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (f *Feed) push(kind Kind, msg, icon string) uint64 {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.toasts = append(f.toasts, Toast{
		ID:        id,
		Kind:      kind,
		Message:   msg,
		Icon:      icon,
		CreatedAt: f.now(),
	})
	if len(f.toasts) > f.capacity {
		f.toasts = f.toasts[len(f.toasts)-f.capacity:]
	}
	f.mu.Unlock()

	f.log(kind, msg)
	return id
}

func (f *Feed) log(kind Kind, msg string) {
	ev := f.logger.Info()
	if kind == KindError {
		ev = f.logger.Warn()
	}
	ev.Str("toast", string(kind)).Msg(msg)
}
