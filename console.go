package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"thesischat/conversations"
	"thesischat/models"
	"thesischat/network"
	"thesischat/session"
	"thesischat/storage"
)

const helpText = `commands:
  /to <peer-id>                 select the conversation partner
  /list                         list conversations, most recent first
  /show                         print the selected conversation
  /read                         mark the selected conversation read
  /archive [off]                archive or restore the selected conversation
  /profile <peer-id> <name...>  save a display name in the profile directory
  /notices                      show recent portal notifications
  /reconnect                    reconnect after a connection error
  /quit                         leave
anything else is sent to the selected peer`

type chatSession interface {
	Send(ctx context.Context, peerID, draft string) (conversations.Handle, error)
	Reconnect(ctx context.Context) (network.ConnectionState, error)
	State() network.ConnectionState
	Conversations() []models.Conversation
	ConversationWith(peerID string) (models.Conversation, bool)
	MarkRead(ctx context.Context, conversationID string) error
	SetArchived(ctx context.Context, conversationID string, archived bool) error
	Draft(peerID string) string
	UnreadTotal() int
	Notifications() []models.Notification
}

type profileDirectory interface {
	UpsertProfile(profile storage.Profile) error
}

var errQuit = errors.New("quit")

type console struct {
	chat     chatSession
	profiles profileDirectory
	in       io.Reader

	outMu sync.Mutex
	out   io.Writer

	peerID string
}

func newConsole(chat chatSession, profiles profileDirectory, in io.Reader, out io.Writer) *console {
	return &console{chat: chat, profiles: profiles, in: in, out: out}
}

// run reads commands until EOF, /quit or ctx is done.
func (c *console) run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case line := <-lines:
			if err := c.handle(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				c.printf("error: %v\n", err)
			}
		}
	}
}

func (c *console) handle(ctx context.Context, line string) error {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	if !strings.HasPrefix(trimmed, "/") {
		return c.send(ctx, line)
	}

	fields := strings.Fields(trimmed)
	switch fields[0] {
	case "/help":
		c.printf("%s\n", helpText)
	case "/quit":
		return errQuit
	case "/to":
		if len(fields) != 2 {
			return errors.New("usage: /to <peer-id>")
		}
		c.peerID = fields[1]
		c.printf("chatting with %s\n", c.peerID)
		if draft := c.chat.Draft(c.peerID); draft != "" {
			c.printf("unsent draft: %s\n", draft)
		}
	case "/list":
		c.list()
	case "/show":
		conv, err := c.selected()
		if err != nil {
			return err
		}
		c.show(conv)
	case "/read":
		conv, err := c.selected()
		if err != nil {
			return err
		}
		return c.chat.MarkRead(ctx, conv.ID)
	case "/archive":
		conv, err := c.selected()
		if err != nil {
			return err
		}
		archived := !(len(fields) > 1 && fields[1] == "off")
		return c.chat.SetArchived(ctx, conv.ID, archived)
	case "/profile":
		if len(fields) < 3 {
			return errors.New("usage: /profile <peer-id> <name...>")
		}
		name := strings.Join(fields[2:], " ")
		if err := c.profiles.UpsertProfile(storage.Profile{PeerID: fields[1], DisplayName: name}); err != nil {
			return err
		}
		c.printf("saved profile for %s\n", fields[1])
	case "/notices":
		items := c.chat.Notifications()
		if len(items) == 0 {
			c.printf("no notifications\n")
		}
		for _, n := range items {
			c.printf("[%s] %s: %s\n", n.CreatedAt.Local().Format("02/01 15:04"), n.Title, n.Body)
		}
	case "/reconnect":
		state, err := c.chat.Reconnect(ctx)
		if err != nil {
			return err
		}
		c.printf("connection %s\n", state)
	default:
		return fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
	return nil
}

func (c *console) send(ctx context.Context, draft string) error {
	if c.peerID == "" {
		return errors.New("select a peer first with /to <peer-id>")
	}
	_, err := c.chat.Send(ctx, c.peerID, draft)
	var sendErr *session.SendError
	if errors.As(err, &sendErr) {
		c.printf("not sent (%s), draft kept: %s\n", c.chat.State(), sendErr.Draft)
		return nil
	}
	return err
}

func (c *console) selected() (models.Conversation, error) {
	if c.peerID == "" {
		return models.Conversation{}, errors.New("select a peer first with /to <peer-id>")
	}
	conv, ok := c.chat.ConversationWith(c.peerID)
	if !ok {
		return models.Conversation{}, fmt.Errorf("no conversation with %s yet", c.peerID)
	}
	return conv, nil
}

func (c *console) list() {
	convs := c.chat.Conversations()
	if len(convs) == 0 {
		c.printf("no conversations\n")
		return
	}
	for _, conv := range convs {
		flag := ""
		if conv.Archived {
			flag = " [archived]"
		}
		c.printf("%-10s %-28s unread=%d%s\n", conv.PeerID, conv.DisplayName, conv.UnreadCount, flag)
	}
	c.printf("total unread: %d\n", c.chat.UnreadTotal())
}

func (c *console) show(conv models.Conversation) {
	c.printf("-- %s (%s) --\n", conv.DisplayName, conv.PeerID)
	for _, msg := range conv.Messages {
		author := conv.DisplayName
		if msg.AuthorIsLocal {
			author = "me"
		}
		state := ""
		if msg.DeliveryState == models.DeliveryPending {
			state = " (sending)"
		}
		c.printf("[%s] %s: %s%s\n", msg.SentAt.Local().Format("15:04"), author, msg.Body, state)
	}
}

func (c *console) printEvents(events <-chan session.Event) {
	for event := range events {
		switch event.Type {
		case session.EventStateChanged:
			if event.Err != nil {
				c.printf("* connection %s: %v\n", event.State, event.Err)
				continue
			}
			c.printf("* connection %s\n", event.State)
		case session.EventConversationCreated:
			c.printf("* new conversation with %s\n", event.PeerID)
			c.printLatest(event.PeerID)
		case session.EventProfileResolved:
			if conv, ok := c.chat.ConversationWith(event.PeerID); ok {
				c.printf("* %s is %s\n", event.PeerID, conv.DisplayName)
			}
		case session.EventConversationUpdated:
			c.printLatest(event.PeerID)
		case session.EventSendFailed:
			c.printf("* message to %s was not delivered: %v\n", event.PeerID, event.Err)
		case session.EventNotification:
			c.printf("* %s: %s\n", event.Notification.Title, event.Notification.Body)
		}
	}
}

// printLatest prints the newest message of peerID's conversation if the peer wrote it.
func (c *console) printLatest(peerID string) {
	if peerID == "" {
		return
	}
	conv, ok := c.chat.ConversationWith(peerID)
	if !ok || len(conv.Messages) == 0 {
		return
	}
	last := conv.Messages[len(conv.Messages)-1]
	if !last.AuthorIsLocal {
		c.printf("%s: %s\n", conv.DisplayName, last.Body)
	}
}

func (c *console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
