package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/and161185/kaguchat/internal/api"
	"github.com/and161185/kaguchat/internal/app"
	"github.com/and161185/kaguchat/internal/errs"
	"github.com/and161185/kaguchat/internal/model"
	"github.com/and161185/kaguchat/internal/profile"
	"github.com/and161185/kaguchat/internal/signup"
	"github.com/and161185/kaguchat/internal/tui"
)

var (
	errNotLoggedIn    = errors.New("not logged in (run: kaguchat login)")
	errSessionExpired = errors.New("your session has expired and you have been logged out; please log in again")
)

func newFlagSet(name string, e env) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

func cmdSignup(ctx context.Context, a *app.App, args []string, e env) error {
	fs := newFlagSet("signup", e)
	var f signup.Form
	fs.StringVarP(&f.Username, "username", "u", "", "username")
	fs.StringVarP(&f.Password, "password", "p", "", "password")
	fs.StringVar(&f.Confirm, "confirm", "", "repeat the password")
	fs.StringVar(&f.Phone, "phone", "", "11-digit phone number")
	fs.StringVar(&f.Nickname, "nickname", "", "display name (default: username)")
	fs.StringVar(&f.AvatarPath, "avatar", "", "PNG, JPEG or GIF image, at most 16MB")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	msg, err := signup.Register(ctx, a.API, f, a.Log.Named("signup"))
	if err != nil {
		return errors.New(signup.Message(err))
	}
	fmt.Fprintln(e.stdout, msg)
	return nil
}

func cmdLogin(ctx context.Context, a *app.App, args []string, e env) error {
	fs := newFlagSet("login", e)
	user := fs.StringP("username", "u", "", "username")
	pass := fs.StringP("password", "p", "", "password")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	res := a.Session.Login(ctx, *user, *pass)
	if !res.OK {
		return errors.New(res.Error)
	}
	fmt.Fprintf(e.stdout, "logged in as user %s\n", res.UserID)
	return nil
}

func cmdLogout(ctx context.Context, a *app.App, e env) error {
	if err := a.Session.Logout(ctx); err != nil {
		return fmt.Errorf("logged out of this run, but saved credentials could not be removed: %w", err)
	}
	fmt.Fprintln(e.stdout, "logged out")
	return nil
}

func cmdWhoami(ctx context.Context, a *app.App, e env) error {
	p, err := awaitProfile(ctx, a)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s (@%s, id %s)\n", p.DisplayName(), p.Username, p.UserID)
	return nil
}

func cmdContacts(ctx context.Context, a *app.App, e env) error {
	if _, err := awaitProfile(ctx, a); err != nil {
		return err
	}
	list, err := a.Contacts.Load(ctx)
	if err != nil {
		return sessionAware(a, err)
	}
	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tID\tNAME\tLAST MESSAGE\tAT")
	for _, c := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Type, c.ID, c.Name, c.LastMessage, c.LastMessageTime)
	}
	return tw.Flush()
}

func cmdMessages(ctx context.Context, a *app.App, args []string, e env) error {
	fs := newFlagSet("messages", e)
	typ := fs.String("type", string(model.ContactFriend), "friend or group")
	id := fs.String("id", "", "contact id")
	asJSON := fs.Bool("json", false, "print raw messages as JSON")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *id == "" {
		return fmt.Errorf("%w: need --id", errs.ErrValidation)
	}

	if _, err := awaitProfile(ctx, a); err != nil {
		return err
	}
	if err := a.Messages.Select(ctx, model.Contact{ID: model.ID(*id), Type: model.ContactType(*typ)}); err != nil {
		return sessionAware(a, err)
	}
	msgs := a.Messages.Snapshot().Messages
	if *asJSON {
		printJSON(e.stdout, msgs)
		return nil
	}
	for _, m := range msgs {
		fmt.Fprintln(e.stdout, formatMessage(m))
	}
	return nil
}

func cmdChat(ctx context.Context, a *app.App) error {
	if _, err := awaitProfile(ctx, a); err != nil {
		return err
	}
	return tui.Run(ctx, a)
}

// awaitProfile restores the session and waits for the profile resolver to
// settle.
func awaitProfile(ctx context.Context, a *app.App) (model.Profile, error) {
	changed := make(chan struct{}, 1)
	unsub := a.Profile.Subscribe(func(profile.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsub()

	a.Start(ctx)
	for {
		snap := a.Session.Snapshot()
		if !snap.Valid() {
			if snap.Rejected {
				return model.Profile{}, errSessionExpired
			}
			return model.Profile{}, errNotLoggedIn
		}
		st := a.Profile.Snapshot()
		switch {
		case st.Profile != nil:
			return *st.Profile, nil
		case st.Err != "":
			return model.Profile{}, errors.New(st.Err)
		}
		select {
		case <-ctx.Done():
			return model.Profile{}, ctx.Err()
		case <-changed:
		}
	}
}

// sessionAware replaces err by errSessionExpired when it ended the session.
func sessionAware(a *app.App, err error) error {
	if errs.IsSessionInvalid(err) && !a.Session.Snapshot().Valid() {
		return errSessionExpired
	}
	return err
}

func formatMessage(m model.Message) string {
	who := m.SenderNickname
	if who == "" {
		who = m.SenderID.String()
	}
	if m.IsSelf {
		who += " (you)"
	}
	at := ""
	if !m.SentAt.IsZero() {
		at = "[" + m.SentAt.Format("15:04") + "] "
	}
	line := at + who + ": " + m.Content
	if m.Pending {
		line += " (sending)"
	}
	return line
}

// describe turns err into a line for the terminal.
func describe(err error) string {
	if errors.Is(err, errs.ErrTransient) {
		return "the server is unreachable or failing, try again later"
	}
	if msg := api.ServerMessage(err); msg != "" {
		return msg
	}
	return err.Error()
}
