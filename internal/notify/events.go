// Package notify turns ledger state transitions into outbound messages.
package notify

import (
	"fmt"
	"time"

	"prediction-rounds/internal/models"

	"github.com/shopspring/decimal"
)

// MessageType is the closed set of outbound message tags.
type MessageType string

const (
	TypePriceUpdate      MessageType = "price_update"
	TypeRoundUpdate      MessageType = "round_update"
	TypePredictionUpdate MessageType = "prediction_update"
	TypeUserUpdate       MessageType = "user_update"
)

// ChannelGlobal reaches every connected subscriber.
const ChannelGlobal = "global"

// RoundChannel is the room for subscribers following one round.
func RoundChannel(roundID int64) string {
	return fmt.Sprintf("round:%d", roundID)
}

// UserChannel is the room for subscribers following one wallet.
func UserChannel(wallet string) string {
	return "user:" + wallet
}

// Payload is implemented only by the payload structs in this package.
type Payload interface {
	messageType() MessageType
}

type PricePayload struct {
	Price     decimal.Decimal  `json:"price"`
	Timestamp time.Time        `json:"timestamp"`
	Change24h *decimal.Decimal `json:"change_24h,omitempty"`
	Volume24h *decimal.Decimal `json:"volume_24h,omitempty"`
}

type RoundPayload struct {
	Event string              `json:"event"`
	Round models.RoundSummary `json:"round"`
}

type PredictionPayload struct {
	Event      string            `json:"event"`
	Prediction models.Prediction `json:"prediction"`
}

type UserPayload struct {
	User models.UserProfile `json:"user"`
}

func (PricePayload) messageType() MessageType      { return TypePriceUpdate }
func (RoundPayload) messageType() MessageType      { return TypeRoundUpdate }
func (PredictionPayload) messageType() MessageType { return TypePredictionUpdate }
func (UserPayload) messageType() MessageType       { return TypeUserUpdate }

// Message is one outbound notification. Seq is strictly increasing per emitter.
type Message struct {
	Seq       uint64      `json:"seq"`
	Type      MessageType `json:"type"`
	Channel   string      `json:"channel"`
	Timestamp time.Time   `json:"timestamp"`
	Data      Payload     `json:"data"`
}

// Event is a domain transition. The set of implementations is closed.
type Event interface {
	isEvent()
}

type PriceUpdated struct{ Sample models.PriceSample }
type RoundOpened struct{ Round models.Round }
type RoundLocked struct{ Round models.Round }
type RoundResolved struct{ Round models.Round }
type StakeRecorded struct {
	Stake models.Prediction
	Round models.Round
}
type StakeConfirmed struct{ Stake models.Prediction }
type StakeSettled struct{ Stake models.Prediction }
type StakeClaimed struct{ Stake models.Prediction }
type StakeWithdrawn struct {
	Stake models.Prediction
	Round models.Round
}
type UserUpdated struct{ User models.User }

func (PriceUpdated) isEvent()   {}
func (RoundOpened) isEvent()    {}
func (RoundLocked) isEvent()    {}
func (RoundResolved) isEvent()  {}
func (StakeRecorded) isEvent()  {}
func (StakeConfirmed) isEvent() {}
func (StakeSettled) isEvent()   {}
func (StakeClaimed) isEvent()   {}
func (StakeWithdrawn) isEvent() {}
func (UserUpdated) isEvent()    {}

type routed struct {
	channel string
	data    Payload
}

// translate maps an event onto the messages it produces, without sequence numbers.
func translate(ev Event, now time.Time) []routed {
	switch e := ev.(type) {
	case PriceUpdated:
		return []routed{{ChannelGlobal, PricePayload{
			Price:     e.Sample.Price,
			Timestamp: e.Sample.Timestamp,
			Change24h: e.Sample.Change24h,
			Volume24h: e.Sample.Volume24h,
		}}}
	case RoundOpened:
		return roundMessages("opened", e.Round, now)
	case RoundLocked:
		return roundMessages("locked", e.Round, now)
	case RoundResolved:
		return roundMessages("resolved", e.Round, now)
	case StakeRecorded:
		return append(roundMessages("stake_recorded", e.Round, now),
			predictionMessage("recorded", e.Stake))
	case StakeConfirmed:
		return []routed{predictionMessage("confirmed", e.Stake)}
	case StakeSettled:
		return []routed{predictionMessage("settled", e.Stake)}
	case StakeClaimed:
		return []routed{predictionMessage("claimed", e.Stake)}
	case StakeWithdrawn:
		return append(roundMessages("stake_withdrawn", e.Round, now),
			predictionMessage("emergency_withdrawn", e.Stake))
	case UserUpdated:
		u := e.User
		return []routed{{UserChannel(u.WalletAddress), UserPayload{
			User: models.UserProfile{User: u, WinRate: u.WinRate()},
		}}}
	}
	return nil
}

func roundMessages(event string, r models.Round, now time.Time) []routed {
	p := RoundPayload{Event: event, Round: r.Summarize(now)}
	return []routed{
		{ChannelGlobal, p},
		{RoundChannel(r.ID), p},
	}
}

func predictionMessage(event string, p models.Prediction) routed {
	return routed{UserChannel(p.WalletAddress), PredictionPayload{Event: event, Prediction: p}}
}
