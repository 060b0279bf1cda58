package app

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/groupware/internal/credential"
	"github.com/nhle/groupware/internal/data"
	"github.com/nhle/groupware/internal/model"
	"github.com/nhle/groupware/internal/source"
	"github.com/nhle/groupware/internal/source/backend"
	"github.com/nhle/groupware/internal/source/imapwatch"
	appsync "github.com/nhle/groupware/internal/sync"
)

// Sources holds what RegisterSources set up.
type Sources struct {
	Count int

	// IMAP is set when an IMAP host is configured and a password was found.
	IMAP    *imapwatch.IMAPClient
	Mailbox string
}

// RegisterSources registers the backend notifier and, when configured,
// the IMAP watcher of folderID with the poller. IMAP credentials are
// loaded from the vault.
func RegisterSources(
	p *appsync.Poller,
	cfg *model.AppConfig,
	client *data.Client,
	vault *credential.Vault,
	folderID string,
	logger *logrus.Entry,
) Sources {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	interval := time.Duration(cfg.Notifications.PollIntervalSec) * time.Second

	p.RegisterSource(backend.NewAdapter(client, backend.DefaultModule, logger), interval)
	out := Sources{Count: 1}

	imapCfg := cfg.Notifications.IMAP
	if imapCfg.Host == "" || vault == nil {
		return out
	}
	user := cfg.Account.Username
	password, err := vault.Get(credential.IMAPPasswordKey(user))
	if err != nil {
		password, err = vault.Password(user)
	}
	if err != nil {
		logger.WithError(err).WithField("host", imapCfg.Host).
			Warn("skipping IMAP watcher: credential not found")
		return out
	}

	out.IMAP = imapwatch.NewIMAPClient(
		imapCfg.Host, strconv.Itoa(imapCfg.Port), user, password, imapCfg.TLS,
	)
	out.Mailbox = imapCfg.Folder
	p.RegisterSource(imapwatch.NewWatcher(out.IMAP, imapCfg.Folder, folderID, logger), interval)
	out.Count++
	return out
}

// RunIMAPIdle keeps an IDLE connection open on mailbox and polls the
// IMAP source whenever the server reports a change. It reconnects with
// backoff until ctx is done or authentication fails.
func RunIMAPIdle(
	ctx context.Context,
	c *imapwatch.IMAPClient,
	mailbox string,
	p *appsync.Poller,
	logger *logrus.Entry,
) error {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	backoff := time.Second
	for {
		err := c.Idle(ctx, mailbox, func() { p.RefreshSource(source.SourceTypeIMAP) })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if source.IsAuthError(err) {
			return err
		}
		logger.WithError(err).WithField("retry_in", backoff).Warn("imap idle interrupted")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Minute)
	}
}
