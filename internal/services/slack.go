package services

import (
	"context"
	"log/slog"

	slackgo "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/jeebsjenkins/openclaw/internal/schema"
)

// SlackService ingests Slack messages via Socket Mode and routes each as
// slack/<team>/<channel> into the broker.
type SlackService struct {
	name       string
	botToken   string
	appToken   string
	pathPrefix string
	router     schema.Router

	webClient *slackgo.Client
	smClient  *socketmode.Client
	botUserID string
	teamID    string
}

func newSlackService(m Manifest, router schema.Router) *SlackService {
	prefix := m.Settings["pathPrefix"]
	if prefix == "" {
		prefix = "slack"
	}
	return &SlackService{
		name:       m.Name,
		botToken:   m.Settings["botToken"],
		appToken:   m.Settings["appToken"],
		pathPrefix: prefix,
		router:     router,
	}
}

func (s *SlackService) Name() string { return s.name }
func (s *SlackService) Kind() string { return "slack" }

func (s *SlackService) Start(ctx context.Context) error {
	if s.botToken == "" || s.appToken == "" {
		slog.Warn("slack: bot/app token not configured", "service", s.name)
		<-ctx.Done()
		return ctx.Err()
	}

	s.webClient = slackgo.New(s.botToken, slackgo.OptionAppLevelToken(s.appToken))
	if resp, err := s.webClient.AuthTestContext(ctx); err == nil {
		s.botUserID = resp.UserID
		s.teamID = resp.TeamID
		slog.Info("slack: connected", "service", s.name, "bot_user_id", s.botUserID)
	}

	s.smClient = socketmode.New(s.webClient)
	go s.smClient.RunContext(ctx) //nolint:errcheck

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-s.smClient.Events:
			if !ok {
				return nil
			}
			s.handleEvent(evt)
		}
	}
}

func (s *SlackService) handleEvent(evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	s.smClient.Ack(*evt.Request)
	cb, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if cb.InnerEvent.Type != "message" && cb.InnerEvent.Type != "app_mention" {
		return
	}

	data, ok := cb.InnerEvent.Data.(map[string]interface{})
	if !ok {
		return
	}
	userID, _ := data["user"].(string)
	channel, _ := data["channel"].(string)
	text, _ := data["text"].(string)
	subtype, _ := data["subtype"].(string)
	ts, _ := data["ts"].(string)

	if subtype != "" || userID == "" || channel == "" || userID == s.botUserID {
		return
	}

	path := s.pathPrefix + "/" + s.teamID + "/" + channel
	if s.teamID == "" {
		path = s.pathPrefix + "/" + channel
	}
	_, err := s.router.Route("slack/"+userID, path, schema.RouteOptions{
		Command:    text,
		Source:     schema.SourceSlack,
		ExternalID: ts,
		Payload: map[string]any{
			"channel": channel,
			"user":    userID,
			"ts":      ts,
		},
	})
	if err != nil {
		slog.Warn("slack: route failed", "service", s.name, "err", err)
	}
}
