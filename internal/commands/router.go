package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pricealert/internal/logger"
	"pricealert/internal/models"
	"pricealert/internal/notify"
	"pricealert/internal/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	replyNoAlerts  = "You have no alerts set."
	replyThrottled = "Too many commands. Please wait a minute and try again."
	replyHelp      = "Price alerts\n" +
		"/above SYMBOL PRICE - alert when the price rises to PRICE\n" +
		"/below SYMBOL PRICE - alert when the price falls to PRICE\n" +
		"/delete_SYMBOL - remove both alerts for SYMBOL\n" +
		"/list - show your alerts"
)

var commandsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "commands_total",
		Help: "Total number of chat commands handled",
	},
	[]string{"command", "result"},
)

func init() {
	prometheus.MustRegister(commandsTotal)
}

// Message is one inbound chat message.
type Message struct {
	ChatID   string
	Username string
	Text     string
}

// Registry is the set of alert operations the router drives.
type Registry interface {
	SetThreshold(ctx context.Context, user string, dir models.Direction, instrument string, price float64) error
	DeleteThreshold(ctx context.Context, user, instrument string) error
	ListThresholds(ctx context.Context, user string) (above, below models.UserAlertSet, err error)
}

// Limiter throttles commands per user.
type Limiter interface {
	Allow(ctx context.Context, user string) (bool, error)
}

// Router maps chat commands to registry operations and replies in the chat.
type Router struct {
	registry Registry
	replier  notify.Sender
	limiter  Limiter // optional
}

// NewRouter creates a router. limiter may be nil.
func NewRouter(registry Registry, replier notify.Sender, limiter Limiter) *Router {
	return &Router{registry: registry, replier: replier, limiter: limiter}
}

// Handle executes msg and sends the reply back to the chat.
func (r *Router) Handle(ctx context.Context, msg Message) error {
	reply, ok := r.Execute(ctx, msg)
	if !ok {
		return nil
	}
	if err := r.replier.Send(ctx, msg.ChatID, reply); err != nil {
		logger.Log.Error("Failed to send reply", zap.String("chat_id", msg.ChatID), zap.Error(err))
		return err
	}
	return nil
}

// Execute runs the command in msg and returns the reply. ok is false when
// msg is not a command and nothing should be sent.
func (r *Router) Execute(ctx context.Context, msg Message) (reply string, ok bool) {
	cmd, ok, err := Parse(msg.Text)
	if !ok {
		return "", false
	}

	ctx, span := otel.Tracer(tracing.TracerName).Start(ctx, "Router.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("chat_id", msg.ChatID), attribute.String("command", cmd.Kind.String()))

	var perr *ParseError
	if errors.As(err, &perr) {
		commandsTotal.WithLabelValues(cmd.Kind.String(), "rejected").Inc()
		return perr.Reply, true
	}

	if r.limiter != nil && cmd.Kind != KindHelp {
		allowed, err := r.limiter.Allow(ctx, msg.ChatID)
		if err != nil {
			logger.Log.Warn("Command limiter unavailable, allowing command", zap.Error(err))
		} else if !allowed {
			commandsTotal.WithLabelValues(cmd.Kind.String(), "throttled").Inc()
			return replyThrottled, true
		}
	}

	reply, err = r.run(ctx, msg, cmd)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		logger.Log.Error("Command failed",
			zap.String("chat_id", msg.ChatID),
			zap.String("command", cmd.Kind.String()),
			zap.String("symbol", cmd.Symbol),
			zap.Error(err),
		)
	}
	commandsTotal.WithLabelValues(cmd.Kind.String(), result).Inc()
	return reply, true
}

func (r *Router) run(ctx context.Context, msg Message, cmd Command) (string, error) {
	switch cmd.Kind {
	case KindAbove, KindBelow:
		dir := models.Above
		if cmd.Kind == KindBelow {
			dir = models.Below
		}
		if err := r.registry.SetThreshold(ctx, msg.ChatID, dir, cmd.Symbol, cmd.Price); err != nil {
			return "Failed to set alert. Please try again later.", err
		}
		return fmt.Sprintf("Alert set for %s at $%s", cmd.Symbol, notify.FormatPrice(cmd.Price)), nil

	case KindDelete:
		if err := r.registry.DeleteThreshold(ctx, msg.ChatID, cmd.Symbol); err != nil {
			return "Failed to delete alert. Please try again later.", err
		}
		return fmt.Sprintf("Alert deleted for %s", cmd.Symbol), nil

	case KindList:
		above, below, err := r.registry.ListThresholds(ctx, msg.ChatID)
		if err != nil {
			return "Failed to list alerts. Please try again later.", err
		}
		return FormatList(msg.Username, above, below), nil
	}
	return replyHelp, nil
}

// FormatList renders a user's alerts as an Above and a Below section.
func FormatList(username string, above, below models.UserAlertSet) string {
	if len(above) == 0 && len(below) == 0 {
		return replyNoAlerts
	}
	var b strings.Builder
	b.WriteString("Your alerts")
	if username != "" {
		b.WriteString(" @" + username)
	}
	b.WriteString("\nAbove")
	writeSection(&b, above)
	b.WriteString("\nBelow")
	writeSection(&b, below)
	return b.String()
}

func writeSection(b *strings.Builder, set models.UserAlertSet) {
	symbols := make([]string, 0, len(set))
	for symbol := range set {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		fmt.Fprintf(b, "\n%s: $%s", symbol, notify.FormatPrice(set[symbol]))
	}
}
