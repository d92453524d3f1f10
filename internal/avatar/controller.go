// Package avatar drives a 3D companion avatar through a host SDK.
package avatar

import (
	"context"
	"encoding/xml"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/singleflight"

	"github.com/xingchen-labs/emotion-companion/internal/core"
	"github.com/xingchen-labs/emotion-companion/internal/logging"
)

var (
	ErrNotConfigured       = errors.New("avatar app id or app secret is not configured")
	ErrInsufficientCredits = errors.New("avatar account has insufficient credits")
	ErrMountTimeout        = errors.New("avatar mount point not found")
	ErrConnectionClosed    = errors.New("avatar connection closed")
)

const (
	mountTimeout      = 10 * time.Second
	mountPollInterval = 100 * time.Millisecond
	settleDelay       = 500 * time.Millisecond

	minSpeechDuration = 3 * time.Second
	perRuneDuration   = 100 * time.Millisecond
)

type actionPair struct {
	action string
	speak  string
}

var emotionActions = map[core.Emotion]actionPair{
	core.EmotionHappy:     {"Happy", "Happy_Talk"},
	core.EmotionSad:       {"Sad", "Sad_Talk"},
	core.EmotionAngry:     {"Angry", "Angry_Talk"},
	core.EmotionAnxious:   {"Worried", "Worried_Talk"},
	core.EmotionFear:      {"Scared", "Scared_Talk"},
	core.EmotionSurprised: {"Surprise", "Surprise_Talk"},
	core.EmotionNormal:    {"Idle", "Talk"},
}

func actionsFor(emotion core.Emotion) actionPair {
	if pair, ok := emotionActions[emotion]; ok {
		return pair
	}
	return emotionActions[core.EmotionNormal]
}

// Action is the avatar action played for emotion.
func Action(emotion core.Emotion) string { return actionsFor(emotion).action }

// SpeakAction is the talking action played for emotion.
func SpeakAction(emotion core.Emotion) string { return actionsFor(emotion).speak }

// ActionMarkup wraps text in the speech markup that triggers action.
func ActionMarkup(text, action string) string {
	var b strings.Builder
	b.WriteString("<speak><ue4event><type>ka</type><data><action_semantic>")
	_ = xml.EscapeText(&b, []byte(action))
	b.WriteString("</action_semantic></data></ue4event>")
	_ = xml.EscapeText(&b, []byte(text))
	b.WriteString("</speak>")
	return b.String()
}

// EstimateSpeechDuration approximates how long text takes to speak. The SDK
// reports no end of playback.
func EstimateSpeechDuration(text string) time.Duration {
	return max(minSpeechDuration, time.Duration(utf8.RuneCountInString(text))*perRuneDuration)
}

type InitState int

const (
	InitUnloaded InitState = iota
	InitLoading
	InitReady
	InitFailed
)

func (s InitState) String() string {
	switch s {
	case InitLoading:
		return "loading"
	case InitReady:
		return "ready"
	case InitFailed:
		return "failed"
	default:
		return "unloaded"
	}
}

type Config struct {
	ContainerID   string
	AppID         string
	AppSecret     string `masq:"secret"`
	GatewayServer string

	OnStateChange func(State)
	OnVoiceStart  func()
	OnVoiceEnd    func()
	OnError       func(error)
}

type Controller struct {
	cfg     Config
	factory Factory
	loader  *ScriptLoader
	mounted func() bool
	sleep   func(ctx context.Context, d time.Duration) error

	group singleflight.Group

	mu    sync.Mutex
	sdk   SDK
	state InitState
}

type Option func(*Controller)

// WithScriptLoader shares a runtime loader between controllers.
func WithScriptLoader(l *ScriptLoader) Option {
	return func(c *Controller) { c.loader = l }
}

// WithMountProbe reports whether the mount point exists yet.
func WithMountProbe(probe func() bool) Option {
	return func(c *Controller) { c.mounted = probe }
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

func NewController(cfg Config, factory Factory, opts ...Option) *Controller {
	if !strings.HasPrefix(cfg.ContainerID, "#") {
		cfg.ContainerID = "#" + cfg.ContainerID
	}
	if cfg.GatewayServer == "" {
		cfg.GatewayServer = DefaultGatewayServer
	}
	c := &Controller{
		cfg:     cfg,
		factory: factory,
		mounted: func() bool { return true },
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Controller) ContainerID() string { return c.cfg.ContainerID }

func (c *Controller) InitState() InitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Ready() bool { return c.current() != nil }

func (c *Controller) current() SDK {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sdk
}

func (c *Controller) setState(s InitState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) emitState(s State) {
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

func (c *Controller) emitError(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

// detach drops inst if it is still the live instance.
func (c *Controller) detach(inst SDK) {
	if inst == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sdk == inst {
		c.sdk = nil
		c.state = InitFailed
	}
}

// Initialize loads the runtime, waits for the mount point and brings up an
// SDK instance. Concurrent calls share one attempt; calling it when ready
// is a no-op.
func (c *Controller) Initialize(ctx context.Context) error {
	if c.Ready() {
		return nil
	}
	_, err, _ := c.group.Do("init", func() (any, error) {
		if c.Ready() {
			return nil, nil
		}
		c.setState(InitLoading)
		if err := c.initialize(ctx); err != nil {
			c.setState(InitFailed)
			logging.From(ctx).Error("avatar initialization failed", "error", err)
			return nil, err
		}
		return nil, nil
	})
	return err
}

func (c *Controller) initialize(ctx context.Context) error {
	logger := logging.From(ctx)
	if c.cfg.AppID == "" || c.cfg.AppSecret == "" {
		return ErrNotConfigured
	}
	if c.factory == nil {
		return goerr.New("avatar sdk factory is not set")
	}

	if err := c.loader.Ensure(ctx); err != nil {
		return goerr.Wrap(err, "failed to load avatar runtime")
	}
	if err := c.waitForMount(ctx); err != nil {
		return err
	}
	if err := c.sleep(ctx, settleDelay); err != nil {
		return err
	}

	var (
		instMu  sync.Mutex
		inst    SDK
		failure error
	)
	// fail records the first failure seen while initializing and drops the
	// instance once it is live.
	fail := func(err error) {
		instMu.Lock()
		if failure == nil {
			failure = err
		}
		cur := inst
		instMu.Unlock()
		c.emitError(err)
		c.detach(cur)
	}
	hooks := Hooks{
		OnStateChange: func(s State) {
			logger.Debug("avatar state changed", "state", s)
			c.emitState(s)
		},
		OnVoiceStateChange: func(started bool) {
			switch {
			case started && c.cfg.OnVoiceStart != nil:
				c.cfg.OnVoiceStart()
			case !started && c.cfg.OnVoiceEnd != nil:
				c.cfg.OnVoiceEnd()
			}
		},
		OnMessage: func(m Message) {
			logger.Debug("avatar sdk message", "code", m.Code, "text", m.Text)
			if m.Code == CodeInsufficientCredits {
				c.emitState(StateOffline)
				fail(ErrInsufficientCredits)
			}
		},
		OnInitError: fail,
		OnClose: func() {
			c.emitState(StateOffline)
			fail(ErrConnectionClosed)
		},
	}

	created, err := c.factory(SDKConfig{
		ContainerID:   c.cfg.ContainerID,
		AppID:         c.cfg.AppID,
		AppSecret:     c.cfg.AppSecret,
		GatewayServer: c.cfg.GatewayServer,
	}, hooks)
	if err != nil {
		return goerr.Wrap(err, "failed to construct avatar sdk")
	}
	instMu.Lock()
	inst = created
	instMu.Unlock()

	if err := created.Init(ctx); err != nil {
		created.Destroy()
		return goerr.Wrap(err, "failed to initialize avatar sdk")
	}

	c.mu.Lock()
	instMu.Lock()
	failed := failure
	instMu.Unlock()
	if failed == nil {
		c.sdk = created
		c.state = InitReady
	}
	c.mu.Unlock()
	if failed != nil {
		created.Destroy()
		return goerr.Wrap(failed, "avatar sdk failed during initialization")
	}
	logger.Info("avatar initialized", "container", c.cfg.ContainerID)
	return nil
}

func (c *Controller) waitForMount(ctx context.Context) error {
	attempts := int(mountTimeout / mountPollInterval)
	for range attempts {
		if c.mounted() {
			return nil
		}
		if err := c.sleep(ctx, mountPollInterval); err != nil {
			return err
		}
	}
	if c.mounted() {
		return nil
	}
	return goerr.Wrap(ErrMountTimeout, "mount point did not appear", goerr.V("container", c.cfg.ContainerID))
}

func (c *Controller) SetIdle() {
	if sdk := c.current(); sdk != nil {
		sdk.Idle()
	}
}

func (c *Controller) SetInteractiveIdle() {
	if sdk := c.current(); sdk != nil {
		sdk.InteractiveIdle()
	}
}

func (c *Controller) SetListen() {
	if sdk := c.current(); sdk != nil {
		sdk.Listen()
	}
}

func (c *Controller) SetThink() {
	if sdk := c.current(); sdk != nil {
		sdk.Think()
	}
}

// Speak sends text to the SDK. Without a live instance it logs and returns.
func (c *Controller) Speak(ctx context.Context, text string, isStart, isEnd bool) {
	sdk := c.current()
	if sdk == nil {
		logging.From(ctx).Error("avatar speak called before initialization")
		return
	}
	sdk.Speak(text, isStart, isEnd)
}

func (c *Controller) SpeakWithAction(ctx context.Context, text, action string) {
	c.Speak(ctx, ActionMarkup(text, action), true, true)
}

func (c *Controller) SpeakWithEmotion(ctx context.Context, text string, emotion core.Emotion) {
	c.SpeakWithAction(ctx, text, SpeakAction(emotion))
}

// SetEmotionalState plays the action for emotion without speech.
func (c *Controller) SetEmotionalState(ctx context.Context, emotion core.Emotion) {
	c.SpeakWithAction(ctx, "", Action(emotion))
}

// SpeakFullText speaks text and reports the speak state until the estimated
// playback time has passed, then reports idle.
func (c *Controller) SpeakFullText(ctx context.Context, text string, emotion core.Emotion) error {
	if text == "" {
		return nil
	}
	c.emitState(StateSpeak)
	defer c.emitState(StateIdle)

	if emotion != core.EmotionNormal && emotion != "" {
		c.SpeakWithEmotion(ctx, text, emotion)
	} else {
		c.Speak(ctx, text, true, true)
	}

	wait := EstimateSpeechDuration(text)
	logging.From(ctx).Debug("waiting for speech", "duration", wait, "emotion", emotion)
	return c.sleep(ctx, wait)
}

func (c *Controller) Destroy() {
	c.mu.Lock()
	sdk := c.sdk
	c.sdk = nil
	c.state = InitUnloaded
	c.mu.Unlock()
	if sdk != nil {
		sdk.Destroy()
	}
}
