package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"agent_relay/internal/model"
	"agent_relay/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/gorilla/websocket"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const (
	pollInterval = time.Second
	pollBatch    = 50
)

type (
	// Target is who the console talks to: one agent or one group.
	Target struct {
		Agent string
		Group string
	}

	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		api     *API
		agentID string
		target  Target

		connMu sync.Mutex
		conn   *websocket.Conn
	}
)

func (t Target) String() string {
	if t.Group != "" {
		return "group " + t.Group
	}
	return t.Agent
}

func NewApp(api *API) *App {
	return &App{
		app: tview.NewApplication(),
		api: api,
	}
}

// Run subscribes agentID, joins the target group if any and blocks in the UI until it exits.
func (c *App) Run(ctx context.Context, agentID string, target Target) error {
	if (target.Agent == "") == (target.Group == "") {
		return fmt.Errorf("provide exactly one of --to or --group")
	}
	c.agentID = agentID
	c.target = target

	var groups []string
	if target.Group != "" {
		groups = []string{target.Group}
	}
	sub, err := c.api.Subscribe(ctx, agentID, groups)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Info("subscribed", zap.String("subscription", sub.SubscriptionID), zap.Strings("topics", sub.ContentTopics))

	conn, err := c.api.OpenStream(agentID)
	if err != nil {
		log.Warn("stream unavailable, polling instead", zap.Error(err))
		go c.pollLoop(ctx)
	} else {
		c.conn = conn
		go c.listenOnStream()
	}

	return c.renderUI()
}

func (c *App) Stop() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.api.Unsubscribe(ctx, c.agentID); err != nil {
		log.Warn("unsubscribe failed", zap.Error(err))
	}
	c.app.Stop()
}

// blocking function
func (c *App) renderUI() error {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" %s -> %s ", c.agentID, c.target))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}

		go func(msg string) {
			if err := c.SendMessage(msg); err != nil {
				c.appendLine(fmt.Sprintf("[red]send failed:[-] %s", tview.Escape(err.Error())))
			}
		}(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	return c.app.SetRoot(layout, true).SetFocus(c.input).Run()
}

func (c *App) appendLine(line string) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintln(c.chatbox, line)
		c.chatbox.ScrollToEnd()
	})
}

func (c *App) listenOnStream() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("stream web socket closed", zap.Error(err))
			c.appendLine("[red]stream closed[-]")
			return
		}

		var frame model.StreamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Error("unmarshal stream frame failed", zap.Error(err))
			continue
		}

		switch {
		case frame.Message != nil:
			c.ReceiveMessage(frame.Message)
		case frame.Error != nil:
			c.appendLine(fmt.Sprintf("[red]error:[-] %s", tview.Escape(frame.Error.Error)))
		}
	}
}

func (c *App) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		recs, err := c.api.Messages(ctx, c.agentID, pollBatch)
		if err != nil {
			log.Debug("poll failed", zap.Error(err))
			continue
		}
		for _, rec := range recs {
			c.ReceiveMessage(rec)
		}
	}
}

// SendMessage sends text to the target, over the stream when one is open.
func (c *App) SendMessage(text string) error {
	req := NewSendRequest(c.agentID, c.target, text)

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn != nil {
		c.connMu.Lock()
		err := conn.WriteJSON(&req)
		c.connMu.Unlock()
		if err != nil {
			return err
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := c.api.Send(ctx, req); err != nil {
			return err
		}
	}

	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, "[yellow]You:[-] %s\n", tview.Escape(text))
		c.input.SetText("")
		c.chatbox.ScrollToEnd()
	})
	return nil
}

// ReceiveMessage renders rec unless it is the agent's own message echoed back to it.
func (c *App) ReceiveMessage(rec *model.DeliveryRecord) {
	env := rec.Envelope()
	if strings.EqualFold(env.From, c.agentID) {
		return
	}
	c.appendLine(FormatRecord(rec))
}

// NewSendRequest builds the send request for text addressed to target.
func NewSendRequest(from string, target Target, text string) model.SendRequest {
	body, _ := json.Marshal(text)
	req := model.SendRequest{FromAgent: from, Message: body}
	if target.Group != "" {
		g := target.Group
		req.Group = &g
	} else {
		to := target.Agent
		req.ToAgent = &to
	}
	return req
}

// FormatRecord renders one record as a chat line.
func FormatRecord(rec *model.DeliveryRecord) string {
	env := rec.Envelope()

	var body string
	switch b := env.Body.(type) {
	case string:
		body = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			body = fmt.Sprint(b)
		} else {
			body = string(data)
		}
	}

	from := tview.Escape(env.From)
	if env.Group != "" {
		from = fmt.Sprintf("%s@%s", from, tview.Escape(env.Group))
	}
	ts := time.Unix(env.TS, 0).Format("15:04:05")
	return fmt.Sprintf("[gray]%s[-] [green]%s:[-] %s", ts, from, tview.Escape(body))
}
