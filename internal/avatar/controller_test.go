package avatar_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/xingchen-labs/emotion-companion/internal/avatar"
	"github.com/xingchen-labs/emotion-companion/internal/core"
)

type spoken struct {
	text         string
	isStart, end bool
}

type fakeSDK struct {
	hooks   avatar.Hooks
	initErr error
	onInit  func(h avatar.Hooks)

	mu        sync.Mutex
	calls     []string
	spoken    []spoken
	destroyed bool
}

func (f *fakeSDK) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSDK) Init(context.Context) error {
	f.record("init")
	if f.onInit != nil {
		f.onInit(f.hooks)
	}
	return f.initErr
}

func (f *fakeSDK) Idle()            { f.record("idle") }
func (f *fakeSDK) InteractiveIdle() { f.record("interactive_idle") }
func (f *fakeSDK) Listen()          { f.record("listen") }
func (f *fakeSDK) Think()           { f.record("think") }

func (f *fakeSDK) Speak(text string, isStart, isEnd bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, spoken{text, isStart, isEnd})
}

func (f *fakeSDK) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
}

type harness struct {
	sdk       *fakeSDK
	built     atomic.Int32
	gotConfig avatar.SDKConfig

	mu     sync.Mutex
	slept  []time.Duration
	states []avatar.State
	errs   []error
}

func (h *harness) factory() avatar.Factory {
	return func(cfg avatar.SDKConfig, hooks avatar.Hooks) (avatar.SDK, error) {
		h.built.Add(1)
		h.gotConfig = cfg
		h.sdk.hooks = hooks
		return h.sdk, nil
	}
}

func (h *harness) sleep(_ context.Context, d time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slept = append(h.slept, d)
	return nil
}

func (h *harness) config() avatar.Config {
	return avatar.Config{
		ContainerID: "avatar-root",
		AppID:       "app-id",
		AppSecret:   "app-secret",
		OnStateChange: func(s avatar.State) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.states = append(h.states, s)
		},
		OnError: func(err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.errs = append(h.errs, err)
		},
	}
}

func newHarness() *harness {
	return &harness{sdk: &fakeSDK{}}
}

func (h *harness) controller(opts ...avatar.Option) *avatar.Controller {
	opts = append([]avatar.Option{avatar.WithSleep(h.sleep)}, opts...)
	return avatar.NewController(h.config(), h.factory(), opts...)
}

func TestEmotionActionTables(t *testing.T) {
	emotions := []core.Emotion{
		core.EmotionHappy, core.EmotionSad, core.EmotionAngry, core.EmotionAnxious,
		core.EmotionFear, core.EmotionSurprised, core.EmotionNormal,
	}
	actions := map[string]bool{}
	speaks := map[string]bool{}
	for _, e := range emotions {
		actions[avatar.Action(e)] = true
		speaks[avatar.SpeakAction(e)] = true
	}
	gt.Value(t, len(actions)).Equal(len(emotions))
	gt.Value(t, len(speaks)).Equal(len(emotions))

	gt.Value(t, avatar.Action(core.EmotionAnxious)).Equal("Worried")
	gt.Value(t, avatar.SpeakAction(core.EmotionHappy)).Equal("Happy_Talk")
	gt.Value(t, avatar.SpeakAction(core.EmotionDisgust)).Equal("Talk")
}

func TestActionMarkup(t *testing.T) {
	markup := avatar.ActionMarkup("你好 <3", "Happy_Talk")
	gt.Value(t, markup).Equal("<speak><ue4event><type>ka</type><data><action_semantic>Happy_Talk</action_semantic></data></ue4event>你好 &lt;3</speak>")

	action, text := avatar.ParseMarkup(markup)
	gt.Value(t, action).Equal("Happy_Talk")
	gt.Value(t, text).Equal("你好 <3")

	action, text = avatar.ParseMarkup("plain")
	gt.Value(t, action).Equal("")
	gt.Value(t, text).Equal("plain")
}

func TestEstimateSpeechDuration(t *testing.T) {
	gt.Value(t, avatar.EstimateSpeechDuration("短句")).Equal(3 * time.Second)
	gt.Value(t, avatar.EstimateSpeechDuration(string(make([]rune, 30)))).Equal(3 * time.Second)
	gt.Value(t, avatar.EstimateSpeechDuration("一二三四五六七八九十一二三四五六七八九十一二三四五六七八九十一二三四五")).
		Equal(3500 * time.Millisecond)
}

func TestController_Initialize(t *testing.T) {
	t.Run("brings up the sdk", func(t *testing.T) {
		h := newHarness()
		c := h.controller()

		gt.Value(t, c.ContainerID()).Equal("#avatar-root")
		gt.Value(t, c.InitState()).Equal(avatar.InitUnloaded)

		gt.NoError(t, c.Initialize(t.Context())).Required()
		gt.Bool(t, c.Ready()).True()
		gt.Value(t, c.InitState()).Equal(avatar.InitReady)
		gt.Value(t, h.gotConfig.ContainerID).Equal("#avatar-root")
		gt.Value(t, h.gotConfig.GatewayServer).Equal(avatar.DefaultGatewayServer)
		gt.Value(t, h.slept).Equal([]time.Duration{500 * time.Millisecond})

		gt.NoError(t, c.Initialize(t.Context()))
		gt.Value(t, h.built.Load()).Equal(int32(1))
	})

	t.Run("requires credentials", func(t *testing.T) {
		h := newHarness()
		cfg := h.config()
		cfg.AppSecret = ""
		c := avatar.NewController(cfg, h.factory(), avatar.WithSleep(h.sleep))

		gt.Error(t, c.Initialize(t.Context())).Is(avatar.ErrNotConfigured)
		gt.Value(t, c.InitState()).Equal(avatar.InitFailed)
		gt.Value(t, h.built.Load()).Equal(int32(0))
	})

	t.Run("waits for the mount point", func(t *testing.T) {
		h := newHarness()
		var probes atomic.Int32
		c := h.controller(avatar.WithMountProbe(func() bool { return probes.Add(1) > 3 }))

		gt.NoError(t, c.Initialize(t.Context())).Required()
		gt.Value(t, probes.Load()).Equal(int32(4))
	})

	t.Run("mount timeout", func(t *testing.T) {
		h := newHarness()
		c := h.controller(avatar.WithMountProbe(func() bool { return false }))

		gt.Error(t, c.Initialize(t.Context())).Is(avatar.ErrMountTimeout)
		gt.Value(t, len(h.slept)).Equal(100)
		gt.Value(t, h.built.Load()).Equal(int32(0))
	})

	t.Run("insufficient credits tears down", func(t *testing.T) {
		h := newHarness()
		h.sdk.onInit = func(hooks avatar.Hooks) {
			hooks.OnMessage(avatar.Message{Code: avatar.CodeInsufficientCredits})
		}
		c := h.controller()

		gt.Error(t, c.Initialize(t.Context())).Is(avatar.ErrInsufficientCredits)
		gt.Bool(t, c.Ready()).False()
		gt.Bool(t, h.sdk.destroyed).True()
		gt.Value(t, h.states).Equal([]avatar.State{avatar.StateOffline})
		gt.Array(t, h.errs).Length(1).Required()
		gt.Error(t, h.errs[0]).Is(avatar.ErrInsufficientCredits)
	})

	t.Run("init error tears down", func(t *testing.T) {
		h := newHarness()
		h.sdk.initErr = errors.New("handshake failed")
		c := h.controller()

		gt.Value(t, c.Initialize(t.Context())).NotNil()
		gt.Bool(t, h.sdk.destroyed).True()
		gt.Value(t, c.InitState()).Equal(avatar.InitFailed)
	})

	t.Run("close after ready detaches", func(t *testing.T) {
		h := newHarness()
		c := h.controller()
		gt.NoError(t, c.Initialize(t.Context())).Required()

		h.sdk.hooks.OnClose()
		gt.Bool(t, c.Ready()).False()
		gt.Value(t, c.InitState()).Equal(avatar.InitFailed)
		gt.Error(t, h.errs[0]).Is(avatar.ErrConnectionClosed)
	})

	t.Run("concurrent calls share one attempt", func(t *testing.T) {
		h := newHarness()
		release := make(chan struct{})
		var loads atomic.Int32
		loader := avatar.NewScriptLoader(func(context.Context) error {
			loads.Add(1)
			<-release
			return nil
		})
		c := h.controller(avatar.WithScriptLoader(loader))

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = c.Initialize(context.Background())
			}()
		}
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		for _, err := range errs {
			gt.NoError(t, err)
		}
		gt.Value(t, loads.Load()).Equal(int32(1))
		gt.Value(t, h.built.Load()).Equal(int32(1))
		gt.Bool(t, loader.Loaded()).True()
	})
}

func TestScriptLoader(t *testing.T) {
	var calls int
	loader := avatar.NewScriptLoader(func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("network down")
		}
		return nil
	})

	gt.Value(t, loader.Ensure(t.Context())).NotNil()
	gt.Bool(t, loader.Loaded()).False()
	gt.NoError(t, loader.Ensure(t.Context()))
	gt.NoError(t, loader.Ensure(t.Context()))
	gt.Value(t, calls).Equal(2)
}

func TestController_Speak(t *testing.T) {
	t.Run("no-op before initialization", func(t *testing.T) {
		h := newHarness()
		c := h.controller()

		c.Speak(t.Context(), "你好", true, true)
		c.SetListen()
		gt.Array(t, h.sdk.spoken).Length(0)
		gt.Array(t, h.sdk.calls).Length(0)
	})

	t.Run("state setters", func(t *testing.T) {
		h := newHarness()
		c := h.controller()
		gt.NoError(t, c.Initialize(t.Context())).Required()

		c.SetListen()
		c.SetThink()
		c.SetIdle()
		c.SetInteractiveIdle()
		gt.Value(t, h.sdk.calls).Equal([]string{"init", "listen", "think", "idle", "interactive_idle"})
	})

	t.Run("emotional speech and state", func(t *testing.T) {
		h := newHarness()
		c := h.controller()
		gt.NoError(t, c.Initialize(t.Context())).Required()

		c.SpeakWithEmotion(t.Context(), "太好了", core.EmotionHappy)
		c.SetEmotionalState(t.Context(), core.EmotionSad)

		gt.Array(t, h.sdk.spoken).Length(2).Required()
		action, text := avatar.ParseMarkup(h.sdk.spoken[0].text)
		gt.Value(t, action).Equal("Happy_Talk")
		gt.Value(t, text).Equal("太好了")
		action, text = avatar.ParseMarkup(h.sdk.spoken[1].text)
		gt.Value(t, action).Equal("Sad")
		gt.Value(t, text).Equal("")
	})

	t.Run("full text reports speak then idle", func(t *testing.T) {
		h := newHarness()
		c := h.controller()
		gt.NoError(t, c.Initialize(t.Context())).Required()
		h.slept = nil

		gt.NoError(t, c.SpeakFullText(t.Context(), "我在这里陪着你", core.EmotionNormal))
		gt.Value(t, h.states).Equal([]avatar.State{avatar.StateSpeak, avatar.StateIdle})
		gt.Value(t, h.slept).Equal([]time.Duration{3 * time.Second})
		gt.Value(t, h.sdk.spoken).Equal([]spoken{{"我在这里陪着你", true, true}})
	})

	t.Run("full text with emotion uses the talk action", func(t *testing.T) {
		h := newHarness()
		c := h.controller()
		gt.NoError(t, c.Initialize(t.Context())).Required()

		gt.NoError(t, c.SpeakFullText(t.Context(), "抱抱你", core.EmotionSad))
		action, _ := avatar.ParseMarkup(h.sdk.spoken[0].text)
		gt.Value(t, action).Equal("Sad_Talk")
	})

	t.Run("empty text does nothing", func(t *testing.T) {
		h := newHarness()
		c := h.controller()
		gt.NoError(t, c.SpeakFullText(t.Context(), "", core.EmotionHappy))
		gt.Array(t, h.states).Length(0)
	})

	t.Run("destroy releases the instance", func(t *testing.T) {
		h := newHarness()
		c := h.controller()
		gt.NoError(t, c.Initialize(t.Context())).Required()

		c.Destroy()
		gt.Bool(t, h.sdk.destroyed).True()
		gt.Value(t, c.InitState()).Equal(avatar.InitUnloaded)
		c.Speak(t.Context(), "还在吗", true, true)
		gt.Array(t, h.sdk.spoken).Length(0)
	})
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness()
	c := avatar.NewController(h.config(), avatar.NewConsoleFactory(&buf, "小星:"), avatar.WithSleep(h.sleep))
	gt.NoError(t, c.Initialize(t.Context())).Required()
	gt.Value(t, h.states).Equal([]avatar.State{avatar.StateOnline, avatar.StateIdle})

	c.SpeakWithAction(t.Context(), "新对话开始！", "Welcome")
	c.Speak(t.Context(), "你好", true, true)
	gt.Value(t, buf.String()).Equal("小星: *Welcome* 新对话开始！\n小星: 你好\n")
}
