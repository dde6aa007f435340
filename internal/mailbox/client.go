package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"

	"calendar-ingest-worker/internal/credentials"
	"calendar-ingest-worker/internal/model"
)

// MailboxInfo is what a session needs from SELECT
type MailboxInfo struct {
	Name        string
	Messages    uint32
	UIDNext     uint32
	UIDValidity uint32
}

// MessageError reports a message that was fetched but cannot be read. The
// connection itself is still usable.
type MessageError struct {
	UID uint32
	Err error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("message %d: %v", e.UID, e.Err)
}

func (e *MessageError) Unwrap() error { return e.Err }

// Client is one authenticated IMAP connection
type Client interface {
	Select(mailbox string) (*MailboxInfo, error)
	SearchUIDs(from uint32) ([]uint32, error)
	// Fetch returns nil when the message no longer exists and a
	// *MessageError when only that message is unreadable.
	Fetch(mailbox string, uid uint32) (*model.RawMessage, error)
	SupportsIdle() (bool, error)
	// Idle blocks until the mailbox changes, timeout elapses or ctx is
	// done. It reports whether new mail was signalled.
	Idle(ctx context.Context, timeout time.Duration) (bool, error)
	Close() error
}

// Dialer opens authenticated connections for a provider
type Dialer interface {
	Dial(ctx context.Context, provider *model.Provider, settings *model.IMAPSettings) (Client, error)
}

// IMAPDialer connects with go-imap and authenticates with LOGIN or
// OAUTHBEARER using secrets from the resolver.
type IMAPDialer struct {
	resolver  *credentials.Resolver
	timeout   time.Duration
	tlsConfig *tls.Config
}

func NewIMAPDialer(resolver *credentials.Resolver, timeout time.Duration) *IMAPDialer {
	return &IMAPDialer{resolver: resolver, timeout: timeout}
}

func (d *IMAPDialer) Dial(ctx context.Context, provider *model.Provider, settings *model.IMAPSettings) (Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	auth, err := d.authenticator(provider, settings)
	if err != nil {
		return nil, err
	}

	tlsConfig := d.tlsConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: settings.Host}
	}
	netDialer := &net.Dialer{Timeout: d.timeout}

	var c *client.Client
	if settings.UseTLS() {
		c, err = client.DialWithDialerTLS(netDialer, settings.Addr(), tlsConfig)
	} else {
		c, err = client.DialWithDialer(netDialer, settings.Addr())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server %s: %w", settings.Addr(), err)
	}
	c.Timeout = d.timeout

	if !settings.UseTLS() {
		if ok, _ := c.SupportStartTLS(); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				_ = c.Terminate()
				return nil, fmt.Errorf("failed to start TLS: %w", err)
			}
		}
	}

	if err := auth(c); err != nil {
		_ = c.Logout()
		if settings.AuthMethod() == model.AuthOAuth2 {
			// A rejected token may be stale; mint a fresh one next dial.
			d.resolver.Forget(provider.ID)
		}
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	return newIMAPClient(c), nil
}

func (d *IMAPDialer) authenticator(provider *model.Provider, settings *model.IMAPSettings) (func(*client.Client) error, error) {
	username := settings.Auth.Username
	switch settings.AuthMethod() {
	case model.AuthOAuth2:
		token, err := d.resolver.AccessToken(provider.ID, settings.Auth)
		if err != nil {
			return nil, err
		}
		host, port := splitAddr(settings.Addr())
		return func(c *client.Client) error {
			return c.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
				Username: username,
				Token:    token,
				Host:     host,
				Port:     port,
			}))
		}, nil
	default:
		password, err := d.resolver.Secret(settings.Auth.Password)
		if err != nil {
			return nil, fmt.Errorf("imap password: %w", err)
		}
		return func(c *client.Client) error {
			return c.Login(username, password)
		}, nil
	}
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

// imapClient adapts a go-imap client to Client
type imapClient struct {
	c       *client.Client
	updates chan client.Update
	newMail chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newIMAPClient(c *client.Client) *imapClient {
	ic := &imapClient{
		c:       c,
		updates: make(chan client.Update, 64),
		newMail: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	c.Updates = ic.updates
	go ic.drainUpdates()
	return ic
}

// drainUpdates keeps the unsolicited response channel empty and folds
// mailbox size changes into a single pending signal.
func (ic *imapClient) drainUpdates() {
	for {
		select {
		case <-ic.done:
			return
		case update := <-ic.updates:
			if _, ok := update.(*client.MailboxUpdate); ok {
				select {
				case ic.newMail <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (ic *imapClient) Select(mailbox string) (*MailboxInfo, error) {
	status, err := ic.c.Select(mailbox, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", mailbox, err)
	}
	return &MailboxInfo{
		Name:        status.Name,
		Messages:    status.Messages,
		UIDNext:     status.UidNext,
		UIDValidity: status.UidValidity,
	}, nil
}

func (ic *imapClient) SearchUIDs(from uint32) ([]uint32, error) {
	if from == 0 {
		from = 1
	}
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(from, 0)

	uids, err := ic.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	return uids, nil
}

func (ic *imapClient) Fetch(mailbox string, uid uint32) (*model.RawMessage, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, imap.FetchEnvelope, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- ic.c.UidFetch(seqset, items, messages)
	}()

	var found *imap.Message
	for msg := range messages {
		if msg.Uid == uid {
			found = msg
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", uid, err)
	}
	if found == nil {
		return nil, nil
	}

	body := found.GetBody(section)
	if body == nil {
		for _, literal := range found.Body {
			body = literal
			break
		}
	}
	if body == nil {
		return nil, &MessageError{UID: uid, Err: errors.New("no body in fetch response")}
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, &MessageError{UID: uid, Err: fmt.Errorf("failed to read body: %w", err)}
	}

	msg := &model.RawMessage{
		UID:          uid,
		Mailbox:      mailbox,
		InternalDate: found.InternalDate.UTC(),
		Raw:          raw,
	}
	if found.Envelope != nil {
		msg.MessageID = strings.TrimSpace(found.Envelope.MessageId)
	}
	return msg, nil
}

func (ic *imapClient) SupportsIdle() (bool, error) {
	return ic.c.Support("IDLE")
}

func (ic *imapClient) Idle(ctx context.Context, timeout time.Duration) (bool, error) {
	// Mail announced before IDLE started still counts.
	select {
	case <-ic.newMail:
		return true, nil
	default:
	}

	// The command timeout would cut a long IDLE short.
	commandTimeout := ic.c.Timeout
	ic.c.Timeout = 0
	defer func() { ic.c.Timeout = commandTimeout }()

	stop := make(chan struct{})
	idleDone := make(chan error, 1)
	go func() {
		idleDone <- ic.c.Idle(stop, nil)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	woken := false
	select {
	case <-ic.newMail:
		woken = true
	case <-timer.C:
	case <-ctx.Done():
	case err := <-idleDone:
		if err != nil {
			return false, fmt.Errorf("idle failed: %w", err)
		}
		return false, nil
	}

	close(stop)
	if err := <-idleDone; err != nil {
		return woken, fmt.Errorf("failed to leave idle: %w", err)
	}
	return woken, nil
}

func (ic *imapClient) Close() error {
	var err error
	ic.once.Do(func() {
		err = ic.c.Logout()
		if err != nil {
			_ = ic.c.Terminate()
		}
		close(ic.done)
	})
	return err
}
