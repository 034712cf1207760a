// Package console is the line-oriented front end of the supportchat binary.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ashureev/supportsync/internal/chat"
	"github.com/ashureev/supportsync/internal/domain"
	"github.com/ashureev/supportsync/internal/events"
	"github.com/ashureev/supportsync/internal/typing"
)

// ErrQuit is returned by Exec for /quit.
var ErrQuit = errors.New("quit")

// Engine is the subset of chat.Client the console drives.
type Engine interface {
	Send(ctx context.Context, sessionID, body string) (domain.Message, error)
	Join(ctx context.Context, sessionID string) error
	Leave(ctx context.Context, sessionID string) error
	StartSession(ctx context.Context, body, category, priority string) (string, error)
	CloseSession(ctx context.Context, sessionID, resolution string) error
	ListActiveSessions(ctx context.Context) error
	Refresh(ctx context.Context) error
	DeliverQueued(ctx context.Context) (int, error)
	Retry(ctx context.Context, localID string) (domain.Message, error)
	Discard(localID string) error
	NotifyTyping(sessionID string)
	Reconnect(ctx context.Context) error

	Sessions() []domain.Session
	Session(sessionID string) (domain.Session, bool)
	Status() domain.ConnectionStatus
	QueueDepth() int
}

// Console executes slash commands against an Engine and prints engine
// events. Plain lines are sent to the current session.
type Console struct {
	engine Engine
	role   domain.Role

	mu      sync.Mutex
	out     io.Writer
	current string
	tokens  []events.Token
	d       *events.Dispatcher
}

// New creates a console writing to out.
func New(engine Engine, role domain.Role, out io.Writer) *Console {
	return &Console{engine: engine, role: role, out: out}
}

// Attach prints engine events as they arrive until Detach.
func (c *Console) Attach(d *events.Dispatcher) {
	c.d = d
	c.tokens = append(c.tokens,
		events.On(d, events.KindConnectionStatus, func(st domain.ConnectionStatus) {
			line := fmt.Sprintf("* connection %s", st.State)
			if st.State == domain.StateConnected {
				line += fmt.Sprintf(" (epoch %d)", st.Epoch)
			}
			if st.LastError != nil && st.State != domain.StateConnected {
				line += ": " + st.LastError.Error()
			}
			c.println(line)
		}),
		events.On(d, events.KindMessageUpserted, func(ev chat.MessageEvent) {
			if ev.Message.SenderRole == c.role && ev.Outcome != chat.OutcomeFailed {
				return
			}
			c.println(formatMessage(ev.Message))
		}),
		events.On(d, events.KindSendFailed, func(f chat.SendFailure) {
			c.println(fmt.Sprintf("! send %s failed: %v (use /retry %s or /discard %s)", f.LocalID, f.Err, f.LocalID, f.LocalID))
		}),
		events.On(d, events.KindTypingChanged, func(ch typing.Change) {
			if ch.IsTyping {
				c.println(fmt.Sprintf("* %s is typing in %s", ch.Role, ch.SessionID))
			}
		}),
		events.On(d, events.KindSessionUpdated, func(s domain.Session) {
			if s.IsClosed() {
				c.println(fmt.Sprintf("* session %s closed", s.ID))
			}
		}),
	)
}

// Detach stops printing events.
func (c *Console) Detach() {
	if c.d == nil {
		return
	}
	for _, tok := range c.tokens {
		c.d.Unsubscribe(tok)
	}
	c.tokens = nil
}

// Run reads commands from in until EOF, /quit or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if err := c.Exec(ctx, line); err != nil {
				if errors.Is(err, ErrQuit) {
					return nil
				}
				c.println("! " + err.Error())
			}
		}
	}
}

// Exec runs one input line.
func (c *Console) Exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		cur := c.session()
		if cur == "" {
			return errors.New("no current session: /use <id> or /start <text>")
		}
		_, err := c.engine.Send(ctx, cur, line)
		return err
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit":
		return ErrQuit
	case "/help":
		c.println(help)
	case "/status":
		st := c.engine.Status()
		c.println(fmt.Sprintf("state=%s epoch=%d attempt=%d queued=%d error=%q",
			st.State, st.Epoch, st.Attempt, c.engine.QueueDepth(), st.ErrorText()))
	case "/start":
		if rest == "" {
			return errors.New("usage: /start <first message>")
		}
		id, err := c.engine.StartSession(ctx, rest, "", "")
		if err != nil {
			return err
		}
		if id != "" {
			c.use(id)
			c.println("* started " + id)
		}
	case "/use":
		if rest == "" {
			return errors.New("usage: /use <session>")
		}
		if err := c.engine.Join(ctx, rest); err != nil {
			return err
		}
		c.use(rest)
	case "/join":
		if rest == "" {
			return errors.New("usage: /join <session>")
		}
		return c.engine.Join(ctx, rest)
	case "/leave":
		id := c.orCurrent(rest)
		if id == "" {
			return errors.New("usage: /leave <session>")
		}
		return c.engine.Leave(ctx, id)
	case "/send":
		id, body, _ := strings.Cut(rest, " ")
		if id == "" || strings.TrimSpace(body) == "" {
			return errors.New("usage: /send <session> <text>")
		}
		_, err := c.engine.Send(ctx, id, body)
		return err
	case "/typing":
		id := c.orCurrent(rest)
		if id == "" {
			return errors.New("usage: /typing <session>")
		}
		c.engine.NotifyTyping(id)
	case "/close":
		id, resolution, _ := strings.Cut(rest, " ")
		id = c.orCurrent(id)
		if id == "" {
			return errors.New("usage: /close <session> [resolution]")
		}
		return c.engine.CloseSession(ctx, id, strings.TrimSpace(resolution))
	case "/list":
		return c.engine.ListActiveSessions(ctx)
	case "/refresh":
		return c.engine.Refresh(ctx)
	case "/sessions":
		for _, s := range c.engine.Sessions() {
			c.println(fmt.Sprintf("%s\t%s\t%d messages\t%s", s.ID, s.Status, len(s.Messages), s.LastActivityAt.Format("15:04:05")))
		}
	case "/log":
		id := c.orCurrent(rest)
		s, ok := c.engine.Session(id)
		if !ok {
			return fmt.Errorf("unknown session %q", id)
		}
		for _, m := range s.Messages {
			c.println(formatMessage(m))
		}
	case "/retry":
		_, err := c.engine.Retry(ctx, rest)
		return err
	case "/discard":
		return c.engine.Discard(rest)
	case "/deliver":
		n, err := c.engine.DeliverQueued(ctx)
		c.println(fmt.Sprintf("* delivered %d queued messages", n))
		return err
	case "/reconnect":
		return c.engine.Reconnect(ctx)
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return nil
}

func (c *Console) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Console) use(id string) {
	c.mu.Lock()
	c.current = id
	c.mu.Unlock()
}

func (c *Console) orCurrent(id string) string {
	if id != "" {
		return id
	}
	return c.session()
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

func formatMessage(m domain.Message) string {
	mark := ""
	switch m.DeliveryState {
	case domain.DeliveryPending:
		mark = " (sending)"
	case domain.DeliveryFailed:
		mark = " (failed " + m.LocalID + ")"
	}
	return fmt.Sprintf("[%s %s] %s: %s%s", m.SessionID, m.SentAt.Format("15:04:05"), m.SenderRole, m.Body, mark)
}

const help = `commands:
  /start <text>             open a new session
  /use <session>            join and make current; plain lines are sent there
  /join /leave <session>    manage subscriptions
  /send <session> <text>    send to a specific session
  /typing [session]         signal typing
  /close [session] [note]   resolve a session
  /list /refresh            fetch sessions from the server
  /sessions /log [session]  show local state
  /retry /discard <local>   handle a failed send
  /deliver                  push queued sends over the HTTP API
  /status /reconnect /quit`
