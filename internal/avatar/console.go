package avatar

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Console is an SDK that renders the avatar as lines of terminal text.
type Console struct {
	w     io.Writer
	name  string
	hooks Hooks

	mu     sync.Mutex
	closed bool
}

var _ SDK = (*Console)(nil)

// NewConsoleFactory returns a Factory producing Console instances named
// name that write to w.
func NewConsoleFactory(w io.Writer, name string) Factory {
	return func(_ SDKConfig, hooks Hooks) (SDK, error) {
		return &Console{w: w, name: name, hooks: hooks}, nil
	}
}

func (c *Console) Init(_ context.Context) error {
	c.setState(StateOnline)
	c.setState(StateIdle)
	return nil
}

func (c *Console) Idle()            { c.setState(StateIdle) }
func (c *Console) InteractiveIdle() { c.setState(StateInteractiveIdle) }
func (c *Console) Listen()          { c.setState(StateListen) }
func (c *Console) Think()           { c.setState(StateThink) }

func (c *Console) Speak(text string, isStart, isEnd bool) {
	if c.isClosed() {
		return
	}
	action, body := ParseMarkup(text)

	if isStart && c.hooks.OnVoiceStateChange != nil {
		c.hooks.OnVoiceStateChange(true)
	}
	switch {
	case body == "" && action != "":
		fmt.Fprintf(c.w, "%s *%s*\n", c.name, action)
	case action != "":
		fmt.Fprintf(c.w, "%s *%s* %s\n", c.name, action, body)
	default:
		fmt.Fprintf(c.w, "%s %s\n", c.name, body)
	}
	if isEnd && c.hooks.OnVoiceStateChange != nil {
		c.hooks.OnVoiceStateChange(false)
	}
}

func (c *Console) Destroy() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Console) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Console) setState(s State) {
	if c.isClosed() {
		return
	}
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(s)
	}
}

type speakMarkup struct {
	XMLName xml.Name `xml:"speak"`
	Action  string   `xml:"ue4event>data>action_semantic"`
	Text    string   `xml:",chardata"`
}

// ParseMarkup splits speech produced by ActionMarkup into its action and
// text. Plain text is returned unchanged with no action.
func ParseMarkup(s string) (action, text string) {
	if !strings.HasPrefix(strings.TrimSpace(s), "<speak>") {
		return "", s
	}
	var m speakMarkup
	if err := xml.Unmarshal([]byte(s), &m); err != nil {
		return "", s
	}
	return strings.TrimSpace(m.Action), strings.TrimSpace(m.Text)
}
