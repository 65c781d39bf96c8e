// Package tui is the interactive chat view: contact list on the left, the
// selected thread on the right and an input line below it.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"github.com/and161185/kaguchat/internal/app"
	"github.com/and161185/kaguchat/internal/chat"
	"github.com/and161185/kaguchat/internal/errs"
	"github.com/and161185/kaguchat/internal/model"
	"github.com/and161185/kaguchat/internal/session"
)

// ErrLoggedOut is returned by Run when the session ended while the view was
// open.
var ErrLoggedOut = errors.New("you have been logged out")

// ErrSessionExpired is returned by Run when the server rejected the session.
var ErrSessionExpired = errors.New("your session has expired, please log in again")

const helpText = " Enter:Open/Send | Tab:Switch | Ctrl-R:Reload | Ctrl-L:Logout | Esc:Quit "

var (
	colorBorder = tcell.NewRGBColor(0, 128, 128)
	colorTitle  = tcell.ColorWhite
)

type view struct {
	a   *app.App
	log *zap.Logger
	ui  *tview.Application

	contactsList *tview.List
	chatView     *tview.TextView
	input        *tview.InputField
	status       *tview.TextView

	mu       sync.Mutex
	contacts []model.Contact
	exitErr  error
	stopped  atomic.Bool

	// loggingOut is set while Ctrl-L runs; logout reports its own exit.
	loggingOut atomic.Bool
}

// Run shows the chat view until the user quits, ctx ends or the session is
// no longer valid.
func Run(ctx context.Context, a *app.App) error {
	return run(ctx, a, tview.NewApplication())
}

func run(ctx context.Context, a *app.App, ui *tview.Application) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	v := &view{a: a, log: a.Log.Named("tui"), ui: ui}
	ui.SetRoot(v.layout(ctx), true).SetFocus(v.contactsList)

	unsubs := []func(){
		a.Contacts.Subscribe(func(s chat.ContactsState) { v.queue(func() { v.renderContacts(s) }) }),
		a.Messages.Subscribe(func(s chat.MessagesState) { v.queue(func() { v.renderMessages(s) }) }),
		a.Session.Subscribe(v.onSession),
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	go v.loadContacts(ctx)
	go v.poll(ctx, a.Config.PollInterval)
	go func() {
		<-ctx.Done()
		v.stop(nil)
	}()

	if err := ui.Run(); err != nil {
		return err
	}
	v.stopped.Store(true)

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.exitErr
}

func (v *view) layout(ctx context.Context) tview.Primitive {
	v.contactsList = tview.NewList()
	v.contactsList.SetBorder(true)
	v.contactsList.SetBorderColor(colorBorder)
	v.contactsList.SetTitle(" Contacts ")
	v.contactsList.SetTitleColor(colorTitle)
	v.contactsList.SetHighlightFullLine(true)
	v.contactsList.ShowSecondaryText(true)
	v.contactsList.SetSelectedFunc(func(index int, _, _ string, _ rune) {
		v.mu.Lock()
		if index >= len(v.contacts) {
			v.mu.Unlock()
			return
		}
		c := v.contacts[index]
		v.mu.Unlock()
		v.ui.SetFocus(v.input)
		go func() {
			if err := v.a.Messages.Select(ctx, c); err != nil && !errors.Is(err, chat.ErrSuperseded) {
				v.log.Debug("select failed", zap.String("contact", c.Key()), zap.Error(err))
			}
		}()
	})

	v.chatView = tview.NewTextView()
	v.chatView.SetBorder(true)
	v.chatView.SetBorderColor(colorBorder)
	v.chatView.SetTitle(" Messages ")
	v.chatView.SetTitleColor(colorTitle)
	v.chatView.SetDynamicColors(true)
	v.chatView.SetScrollable(true)
	v.chatView.SetWordWrap(true)

	v.input = tview.NewInputField()
	v.input.SetLabel("> ")
	v.input.SetFieldWidth(0)
	v.input.SetBorder(true)
	v.input.SetBorderColor(colorBorder)
	v.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := v.input.GetText()
		if strings.TrimSpace(text) == "" {
			return
		}
		if _, err := v.a.Messages.Send(text); err != nil {
			v.setStatus(sendError(err))
			return
		}
		v.input.SetText("")
	})

	v.status = tview.NewTextView()
	v.status.SetBackgroundColor(colorBorder)
	v.status.SetTextColor(colorTitle)
	v.status.SetTextAlign(tview.AlignCenter)
	v.status.SetText(helpText)

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(v.chatView, 0, 1, false).
		AddItem(v.input, 3, 0, false)
	body := tview.NewFlex().
		AddItem(v.contactsList, 32, 0, true).
		AddItem(right, 0, 1, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, true).
		AddItem(v.status, 1, 0, false)

	root.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyTab:
			if v.ui.GetFocus() == v.contactsList {
				v.ui.SetFocus(v.input)
			} else {
				v.ui.SetFocus(v.contactsList)
			}
			return nil
		case tcell.KeyCtrlR:
			go v.loadContacts(ctx)
			go v.reload(ctx)
			return nil
		case tcell.KeyCtrlL:
			go v.logout()
			return nil
		case tcell.KeyEsc:
			v.stop(nil)
			return nil
		}
		return event
	})
	return root
}

func (v *view) loadContacts(ctx context.Context) {
	if _, err := v.a.Contacts.Load(ctx); err != nil {
		v.log.Debug("contacts load failed", zap.Error(err))
	}
}

func (v *view) reload(ctx context.Context) {
	err := v.a.Messages.Reload(ctx)
	if err != nil && !errors.Is(err, errs.ErrValidation) && !errors.Is(err, chat.ErrSuperseded) {
		v.log.Debug("messages reload failed", zap.Error(err))
	}
}

// poll reloads the open thread; there is no push channel.
func (v *view) poll(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if v.a.Messages.Snapshot().Contact != nil {
				v.reload(ctx)
			}
		}
	}
}

// logout ends the session and the view. A store failure is part of the
// exit error.
func (v *view) logout() {
	v.loggingOut.Store(true)
	if err := v.a.Session.Logout(context.Background()); err != nil {
		v.log.Error("logout left saved credentials", zap.Error(err))
		v.stop(fmt.Errorf("%w, but saved credentials could not be removed: %w", ErrLoggedOut, err))
		return
	}
	v.stop(ErrLoggedOut)
}

func (v *view) onSession(s session.Snapshot) {
	if s.Valid() || v.loggingOut.Load() {
		return
	}
	if s.Rejected {
		v.stop(ErrSessionExpired)
		return
	}
	v.stop(ErrLoggedOut)
}

func (v *view) stop(err error) {
	v.mu.Lock()
	if v.exitErr == nil {
		v.exitErr = err
	}
	v.mu.Unlock()
	v.stopped.Store(true)
	v.ui.Stop()
}

// queue runs fn on the UI goroutine unless the view is gone.
func (v *view) queue(fn func()) {
	if v.stopped.Load() {
		return
	}
	v.ui.QueueUpdateDraw(fn)
}

func (v *view) setStatus(msg string) {
	v.status.SetText(" " + msg + " |" + helpText)
}

func (v *view) renderContacts(s chat.ContactsState) {
	v.mu.Lock()
	v.contacts = s.Contacts
	v.mu.Unlock()

	current := v.contactsList.GetCurrentItem()
	v.contactsList.Clear()
	for _, c := range s.Contacts {
		main, secondary := contactLines(c)
		v.contactsList.AddItem(main, secondary, 0, nil)
	}
	if current >= 0 && current < len(s.Contacts) {
		v.contactsList.SetCurrentItem(current)
	}
	switch {
	case s.Loading:
		v.contactsList.SetTitle(" Contacts (loading) ")
	case s.Err != "":
		v.contactsList.SetTitle(" Contacts ")
		v.setStatus(s.Err)
	default:
		v.contactsList.SetTitle(fmt.Sprintf(" Contacts (%d) ", len(s.Contacts)))
	}
}

func (v *view) renderMessages(s chat.MessagesState) {
	v.chatView.SetTitle(threadTitle(s))
	v.chatView.SetText(threadText(s))
	v.chatView.ScrollToEnd()
	if s.Err != "" {
		v.setStatus(s.Err)
	}
}

func contactLines(c model.Contact) (string, string) {
	main := tview.Escape(c.Name)
	if c.Type == model.ContactGroup {
		main = "# " + main
	}
	secondary := tview.Escape(c.LastMessage)
	if c.LastMessageTime != "" {
		secondary = tview.Escape(c.LastMessageTime) + " " + secondary
	}
	return main, secondary
}

func threadTitle(s chat.MessagesState) string {
	if s.Contact == nil {
		return " Messages "
	}
	t := " " + tview.Escape(s.Contact.Name) + " "
	if s.Loading {
		t += "(loading) "
	}
	return t
}

func threadText(s chat.MessagesState) string {
	if s.Contact == nil {
		return "[gray]Select a contact to start chatting.[-]"
	}
	var b strings.Builder
	for _, m := range s.Messages {
		who := m.SenderNickname
		if who == "" {
			who = m.SenderID.String()
		}
		color := "teal"
		if m.IsSelf {
			color, who = "yellow", "You"
		}
		if !m.SentAt.IsZero() {
			fmt.Fprintf(&b, "[gray]%s[-] ", m.SentAt.Format("15:04"))
		}
		fmt.Fprintf(&b, "[%s]%s:[-] %s", color, tview.Escape(who), tview.Escape(m.Content))
		if m.Pending {
			b.WriteString(" [gray](sending)[-]")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func sendError(err error) string {
	switch {
	case errors.Is(err, errs.ErrNoProfile):
		return "Not signed in."
	case errors.Is(err, errs.ErrValidation):
		return "Pick a contact first."
	default:
		return "Could not send."
	}
}
