package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"github.com/nhle/groupware/internal/app"
	"github.com/nhle/groupware/internal/credential"
	"github.com/nhle/groupware/internal/data"
	"github.com/nhle/groupware/internal/eml"
	"github.com/nhle/groupware/internal/model"
	appsync "github.com/nhle/groupware/internal/sync"
	"github.com/nhle/groupware/internal/ui/login"
)

func runBrowse(e *env, s scope) error {
	if err := e.LogToFile(); err != nil {
		return err
	}
	folder, err := e.NewMailStore(s)
	if err != nil {
		return err
	}
	e.notifier.Subscribe(folder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if ok, err := folder.LoadCached(ctx); err != nil {
		e.log.WithError(err).Warn("reading cached folder")
	} else if ok {
		e.log.WithField("items", folder.Count()).Debug("primed folder from cache")
	}

	poller := appsync.New(e.notifier, e.log)
	sources := app.RegisterSources(poller, e.cfg, e.client, e.vault, s.FolderID, e.log)
	go e.RunPush(ctx)
	if sources.IMAP != nil {
		go func() {
			err := app.RunIMAPIdle(ctx, sources.IMAP, sources.Mailbox, poller, e.log)
			if err != nil && !errors.Is(err, context.Canceled) {
				e.log.WithError(err).Error("imap idle stopped")
			}
		}()
	}

	p := tea.NewProgram(app.New(folder, poller), tea.WithAltScreen())
	_, err = p.Run()
	poller.Stop()
	return err
}

func runImport(e *env, s scope, file string, save bool) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("opening %s: %w", file, err)
	}
	defer f.Close()

	r, err := eml.Import(f, s.FolderID)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n  from: %s <%s>\n  to:   %s\n  date: %s\n",
		r.GetString("subject"),
		r.GetString("sender_name"), r.GetString("sender_email_address"),
		r.GetString("display_to"),
		r.GetTime("client_submit_time").Format("2006-01-02 15:04"),
	)
	if !save {
		return nil
	}

	folder, err := e.NewMailStore(s)
	if err != nil {
		return err
	}
	folder.Add(r)
	if err := folder.Save(context.Background()); err != nil {
		return fmt.Errorf("saving imported message: %w", err)
	}
	fmt.Printf("saved as %s\n", r.ID())
	return nil
}

// runWatch polls every source without a terminal UI and logs each
// notification until interrupted.
func runWatch(e *env) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e.notifier.Subscribe(data.SubscriberFunc(func(n model.Notification) {
		e.log.WithFields(logrus.Fields{
			"kind":   n.Kind,
			"folder": n.FolderID,
			"ids":    n.IDs,
			"seq":    n.Seq,
		}).Info("notification")
	}))

	poller := appsync.New(e.notifier, e.log)
	sources := app.RegisterSources(poller, e.cfg, e.client, e.vault, e.cfg.Account.InboxID, e.log)
	go e.RunPush(ctx)
	if sources.IMAP != nil {
		go func() {
			_ = app.RunIMAPIdle(ctx, sources.IMAP, sources.Mailbox, poller, e.log)
		}()
	}

	wait := poller.Start()
	go func() {
		<-ctx.Done()
		poller.Stop()
	}()
	e.log.WithField("sources", sources.Count).Info("watching for notifications")

	results := make(chan appsync.SyncResultMsg)
	go func() {
		for {
			msg, ok := wait().(appsync.SyncResultMsg)
			if !ok {
				return
			}
			select {
			case results <- msg:
			case <-ctx.Done():
				return
			}
			wait = poller.WaitForNextResult()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-results:
			entry := e.log.WithFields(logrus.Fields{
				"source":    res.Source,
				"received":  res.Received,
				"delivered": res.Delivered,
			})
			switch {
			case res.AuthError != nil:
				entry.Error(res.AuthError.Message)
				return res.Error
			case res.Error != nil:
				entry.WithError(res.Error).Warn("poll failed")
			default:
				entry.Debug("poll finished")
			}
		}
	}
}

func runLogin(configPath string) error {
	cfg, configPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	form := login.New(login.Credentials{
		URL:      cfg.Server.URL,
		Username: cfg.Account.Username,
		IMAPHost: cfg.Notifications.IMAP.Host,
	}, 0)
	if _, err := tea.NewProgram(form).Run(); err != nil {
		return err
	}
	creds, ok := form.Result()
	if !ok {
		return errors.New("login canceled")
	}

	cfg.Server.URL = creds.URL
	cfg.Account.Username = creds.Username
	cfg.Notifications.IMAP.Host = creds.IMAPHost
	if err := model.SaveConfig(configPath, cfg); err != nil {
		return err
	}

	if creds.Remember {
		vault, err := credential.Open(credential.ServiceName, "")
		if err != nil {
			return err
		}
		if err := vault.SetPassword(creds.Username, creds.Password); err != nil {
			return err
		}
	}
	fmt.Printf("signed in as %s, settings saved to %s\n", creds.Username, configPath)
	return nil
}

func runLogout(e *env) error {
	if err := e.vault.Forget(e.cfg.Account.Username); err != nil {
		return err
	}
	fmt.Printf("removed stored credentials of %s\n", e.cfg.Account.Username)
	return nil
}
