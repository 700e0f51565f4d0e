// Package intent models an unexecuted trade intent and its signed form.
package intent

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MaxAssetLength bounds the asset identifier so its length fits a single prefix byte.
const MaxAssetLength = 32

// ErrInvalidIntent is matched by every construction-time validation failure.
var ErrInvalidIntent = errors.New("invalid intent")

var assetPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ValidationError reports which field failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid intent: %s %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidIntent) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidIntent
}

// Direction is the side of the intended trade.
type Direction uint8

const (
	Buy  Direction = 1
	Sell Direction = 2
)

// ParseDirection accepts BUY or SELL in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	default:
		return 0, &ValidationError{Field: "direction", Reason: fmt.Sprintf("must be BUY or SELL, got %q", s)}
	}
}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

func (d Direction) String() string {
	switch d {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// Params carries the raw field values used to build an Intent.
type Params struct {
	Asset          string
	Size           Amount
	ReferencePrice Amount
	Direction      Direction
	Expiry         int64
	Nonce          Nonce
}

// Intent is an immutable trade intent. The zero value is not a valid intent;
// use New or Reconstruct.
type Intent struct {
	asset          string
	size           Amount
	referencePrice Amount
	direction      Direction
	expiry         int64
	nonce          Nonce
}

// New validates p and requires the expiry to be strictly after now.
func New(p Params, now time.Time) (Intent, error) {
	in, err := Reconstruct(p)
	if err != nil {
		return Intent{}, err
	}
	if p.Expiry <= now.Unix() {
		return Intent{}, &ValidationError{Field: "expiry", Reason: fmt.Sprintf("%d is not after %d", p.Expiry, now.Unix())}
	}
	return in, nil
}

// Reconstruct validates every structural constraint of p but does not compare the
// expiry against a clock. The registry uses it for received intents so that a stale
// expiry surfaces as an Expired rejection instead of a decoding failure.
func Reconstruct(p Params) (Intent, error) {
	switch {
	case p.Asset == "":
		return Intent{}, &ValidationError{Field: "asset", Reason: "is empty"}
	case len(p.Asset) > MaxAssetLength:
		return Intent{}, &ValidationError{Field: "asset", Reason: fmt.Sprintf("exceeds %d characters", MaxAssetLength)}
	case !assetPattern.MatchString(p.Asset):
		return Intent{}, &ValidationError{Field: "asset", Reason: "may only contain letters, digits and '-'"}
	case p.Size == 0:
		return Intent{}, &ValidationError{Field: "size", Reason: "must be greater than zero"}
	case p.ReferencePrice == 0:
		return Intent{}, &ValidationError{Field: "referencePrice", Reason: "must be greater than zero"}
	case !p.Direction.Valid():
		return Intent{}, &ValidationError{Field: "direction", Reason: "must be BUY or SELL"}
	case p.Expiry <= 0:
		return Intent{}, &ValidationError{Field: "expiry", Reason: "must be a positive UNIX timestamp"}
	}

	return Intent{
		asset:          p.Asset,
		size:           p.Size,
		referencePrice: p.ReferencePrice,
		direction:      p.Direction,
		expiry:         p.Expiry,
		nonce:          p.Nonce,
	}, nil
}

// Asset returns the asset identifier.
func (i Intent) Asset() string { return i.asset }

// Size returns the quantity in minimal units.
func (i Intent) Size() Amount { return i.size }

// ReferencePrice returns the price in minimal units.
func (i Intent) ReferencePrice() Amount { return i.referencePrice }

// Direction returns the trade side.
func (i Intent) Direction() Direction { return i.direction }

// Expiry returns the expiry as UNIX seconds.
func (i Intent) Expiry() int64 { return i.expiry }

// Nonce returns the replay-protection nonce.
func (i Intent) Nonce() Nonce { return i.nonce }

// Params returns the field values, suitable for Reconstruct.
func (i Intent) Params() Params {
	return Params{
		Asset:          i.asset,
		Size:           i.size,
		ReferencePrice: i.referencePrice,
		Direction:      i.direction,
		Expiry:         i.expiry,
		Nonce:          i.nonce,
	}
}

// ExpiredAt reports whether the intent is no longer valid at now.
// An intent expiring exactly at now is expired.
func (i Intent) ExpiredAt(now time.Time) bool {
	return i.expiry <= now.Unix()
}

// SignedIntent binds an intent to the signature a wallet produced over its canonical payload.
// Signer is advisory until a verifier recovers the same address from Signature.
type SignedIntent struct {
	Intent    Intent
	Signer    common.Address
	Signature []byte
}
