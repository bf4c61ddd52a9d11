package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// IMAPConfig holds connection settings for the IMAP server.
type IMAPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Folder   string
	TLS      bool
}

// Addr returns the host:port string.
func (c *IMAPConfig) Addr() string {
	port := c.Port
	if port == 0 {
		if c.TLS {
			port = 993
		} else {
			port = 143
		}
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// IMAPClient implements Client against an IMAP server. Message IDs are the
// UIDs of the configured folder.
type IMAPClient struct {
	config *IMAPConfig
	logger *slog.Logger

	mu       sync.Mutex
	conn     *imapclient.Client
	selected bool
}

// NewIMAPClient creates an IMAP mailbox client. The connection is
// established lazily.
func NewIMAPClient(config *IMAPConfig, logger *slog.Logger) *IMAPClient {
	if config.Folder == "" {
		config.Folder = "INBOX"
	}
	return &IMAPClient{config: config, logger: logger}
}

// connect dials and authenticates. Caller must hold mu.
func (c *IMAPClient) connect() error {
	if c.conn != nil {
		return nil
	}
	addr := c.config.Addr()
	c.logger.Debug("connecting to IMAP server", "addr", addr, "tls", c.config.TLS)

	var (
		conn *imapclient.Client
		err  error
	)
	opts := &imapclient.Options{}
	if c.config.TLS {
		conn, err = imapclient.DialTLS(addr, opts)
	} else {
		conn, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}
	if err := conn.Login(c.config.User, c.config.Password).Wait(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("IMAP login: %w", err)
	}
	c.conn = conn
	c.selected = false
	return nil
}

// withConn runs fn with an authenticated connection and the folder selected.
// On error the connection is dropped so the next call reconnects.
func (c *IMAPClient) withConn(ctx context.Context, fn func(*imapclient.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.connect(); err != nil {
		return err
	}
	if !c.selected {
		if _, err := c.conn.Select(c.config.Folder, nil).Wait(); err != nil {
			c.drop()
			return fmt.Errorf("SELECT %q: %w", c.config.Folder, err)
		}
		c.selected = true
	}
	if err := fn(c.conn); err != nil {
		c.drop()
		return err
	}
	return nil
}

// drop discards the connection. Caller must hold mu.
func (c *IMAPClient) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.selected = false
	}
}

// ListUnread returns the UIDs of unseen messages, oldest first.
func (c *IMAPClient) ListUnread(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		criteria := &imap.SearchCriteria{
			NotFlag: []imap.Flag{imap.FlagSeen},
		}
		data, err := conn.UIDSearch(criteria, &imap.SearchOptions{ReturnAll: true}).Wait()
		if err != nil {
			return fmt.Errorf("UID SEARCH UNSEEN: %w", err)
		}
		uidSet, ok := data.All.(imap.UIDSet)
		if !ok {
			return nil
		}
		uids, _ := uidSet.Nums()
		for _, uid := range uids {
			ids = append(ids, strconv.FormatUint(uint64(uid), 10))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Fetch downloads and parses one message by UID.
func (c *IMAPClient) Fetch(ctx context.Context, messageID string) (*Message, error) {
	uid, err := parseUID(messageID)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = c.withConn(ctx, func(conn *imapclient.Client) error {
		var uidSet imap.UIDSet
		uidSet.AddNum(uid)
		fetchOpts := &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{{Peek: true}},
		}
		msgs, err := conn.Fetch(uidSet, fetchOpts).Collect()
		if err != nil {
			return fmt.Errorf("UID FETCH %d: %w", uid, err)
		}
		for _, buf := range msgs {
			if buf.UID != uid {
				continue
			}
			if len(buf.BodySection) > 0 {
				raw = buf.BodySection[0].Bytes
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("message %s not found in %s", messageID, c.config.Folder)
	}

	msg, err := ParseMIME(raw)
	if err != nil {
		return nil, fmt.Errorf("parse message %s: %w", messageID, err)
	}
	msg.ID = messageID
	return msg, nil
}

// MarkRead sets the \Seen flag on the message.
func (c *IMAPClient) MarkRead(ctx context.Context, messageID string) error {
	uid, err := parseUID(messageID)
	if err != nil {
		return err
	}
	return c.withConn(ctx, func(conn *imapclient.Client) error {
		var uidSet imap.UIDSet
		uidSet.AddNum(uid)
		if err := conn.Store(uidSet, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagSeen},
		}, nil).Close(); err != nil {
			return fmt.Errorf("UID STORE \\Seen: %w", err)
		}
		return nil
	})
}

// Close logs out and disconnects.
func (c *IMAPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.selected = false
	return conn.Logout().Wait()
}

func parseUID(messageID string) (imap.UID, error) {
	n, err := strconv.ParseUint(messageID, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid message ID %q: %w", messageID, err)
	}
	return imap.UID(n), nil
}
