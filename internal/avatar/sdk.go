package avatar

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// State is a rendering state reported by, or forced on, the avatar.
type State string

const (
	StateOffline         State = "offline"
	StateOnline          State = "online"
	StateIdle            State = "idle"
	StateInteractiveIdle State = "interactive_idle"
	StateListen          State = "listen"
	StateThink           State = "think"
	StateSpeak           State = "speak"
)

// CodeInsufficientCredits is the provider message code for an account
// without rendering credits.
const CodeInsufficientCredits = 10003

// DefaultGatewayServer is the provider session endpoint.
const DefaultGatewayServer = "https://nebula-agent.xingyun3d.com/user/v1/ttsa/session"

// SDK is a constructed avatar instance. Speak has no completion signal.
type SDK interface {
	Init(ctx context.Context) error
	Idle()
	InteractiveIdle()
	Listen()
	Think()
	Speak(text string, isStart, isEnd bool)
	Destroy()
}

// Message is a provider notification delivered outside any call.
type Message struct {
	Code int
	Text string
}

// Hooks are installed by the controller when an instance is constructed.
type Hooks struct {
	OnStateChange      func(State)
	OnVoiceStateChange func(started bool)
	OnMessage          func(Message)
	OnInitError        func(error)
	OnClose            func()
}

type SDKConfig struct {
	ContainerID   string
	AppID         string
	AppSecret     string `masq:"secret"`
	GatewayServer string
}

// Factory constructs an SDK instance. It is only called once the runtime is
// loaded and the mount point exists.
type Factory func(cfg SDKConfig, hooks Hooks) (SDK, error)

// ScriptLoader runs an expensive runtime load at most once. Concurrent
// callers share the in-flight attempt and a failed attempt may be retried.
type ScriptLoader struct {
	load  func(ctx context.Context) error
	group singleflight.Group

	mu   sync.Mutex
	done bool
}

func NewScriptLoader(load func(ctx context.Context) error) *ScriptLoader {
	return &ScriptLoader{load: load}
}

func (l *ScriptLoader) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *ScriptLoader) Ensure(ctx context.Context) error {
	if l == nil || l.load == nil || l.Loaded() {
		return nil
	}
	_, err, _ := l.group.Do("load", func() (any, error) {
		if l.Loaded() {
			return nil, nil
		}
		if err := l.load(ctx); err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.done = true
		l.mu.Unlock()
		return nil, nil
	})
	return err
}
