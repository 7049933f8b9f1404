package commands

import (
	"fmt"
	"math"
	"strings"

	"pricealert/internal/models"

	"github.com/shopspring/decimal"
)

// Kind identifies a recognized chat command.
type Kind int

const (
	KindAbove Kind = iota + 1
	KindBelow
	KindDelete
	KindList
	KindHelp
)

func (k Kind) String() string {
	switch k {
	case KindAbove:
		return "above"
	case KindBelow:
		return "below"
	case KindDelete:
		return "delete"
	case KindList:
		return "list"
	case KindHelp:
		return "help"
	}
	return "unknown"
}

const (
	deletePrefix = "delete_"

	// Bounds on the price text. Within them every value converts to a
	// finite, non-zero float64 without an expensive big.Int power.
	maxPriceLen      = 32
	maxPriceExponent = 64
)

// Command is a parsed chat command. Symbol is already upper-cased.
type Command struct {
	Kind   Kind
	Symbol string
	Price  float64
}

// ParseError is a rejected command. Reply is shown to the user as is.
type ParseError struct {
	Reply string
}

func (e *ParseError) Error() string { return e.Reply }

// Parse recognizes "above SYM PRICE", "below SYM PRICE", "delete_SYM",
// "list", "start" and "help". The command word may carry a leading slash and
// a trailing @botname. ok is false for text that is not a command.
func Parse(text string) (cmd Command, ok bool, err error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{}, false, nil
	}
	word := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	switch {
	case word == "above" || word == "below":
		kind := KindAbove
		if word == "below" {
			kind = KindBelow
		}
		if len(fields) != 3 {
			return Command{Kind: kind}, true, usageError(word)
		}
		price, err := parsePrice(word, fields[2])
		if err != nil {
			return Command{Kind: kind}, true, err
		}
		return Command{Kind: kind, Symbol: models.NormalizeSymbol(fields[1]), Price: price}, true, nil

	case strings.HasPrefix(word, deletePrefix):
		symbol := models.NormalizeSymbol(strings.TrimPrefix(word, deletePrefix))
		if symbol == "" {
			return Command{Kind: KindDelete}, true, &ParseError{Reply: "Usage: /delete_SYMBOL"}
		}
		return Command{Kind: KindDelete, Symbol: symbol}, true, nil

	case word == "list":
		return Command{Kind: KindList}, true, nil

	case word == "start" || word == "help":
		return Command{Kind: KindHelp}, true, nil
	}
	return Command{}, false, nil
}

// parsePrice accepts plain decimal notation only. NaN, Inf, anything
// non-numeric and values a float64 cannot hold are rejected instead of being
// stored.
func parsePrice(word, text string) (float64, error) {
	invalid := &ParseError{Reply: fmt.Sprintf("Invalid price %q. Usage: /%s SYMBOL PRICE", text, word)}
	if len(text) > maxPriceLen {
		return 0, invalid
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return 0, invalid
	}
	if !d.IsPositive() {
		return 0, &ParseError{Reply: fmt.Sprintf("Price must be greater than zero. Usage: /%s SYMBOL PRICE", word)}
	}
	if exp := d.Exponent(); exp > maxPriceExponent || exp < -maxPriceExponent {
		return 0, invalid
	}
	f := d.InexactFloat64()
	if math.IsInf(f, 0) || math.IsNaN(f) || f <= 0 {
		return 0, invalid
	}
	return f, nil
}

func usageError(word string) error {
	return &ParseError{Reply: fmt.Sprintf("Usage: /%s SYMBOL PRICE", word)}
}
