package protocol

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"transactai/internal/model"

	"github.com/stretchr/testify/require"
)

func TestDecodeCommands(t *testing.T) {
	cases := []struct {
		command string
		payload string
		want    Command
	}{
		{CmdRegister, ``, &Register{}},
		{CmdBalance, `null`, &Balance{}},
		{CmdPayment, `{"recipient":"agent1qy","amount":100,"reference":"inv-7"}`,
			&Payment{Recipient: "agent1qy", Amount: 100, Reference: "inv-7"}},
		{CmdEscrow, `{"recipient":"agent1qy","amount":200,"reference":"job","expiration_seconds":60}`,
			&CreateEscrow{Recipient: "agent1qy", Amount: 200, Reference: "job", ExpirationSeconds: 60}},
		{CmdReleaseEscrow, `{"escrow_id":"ESC1"}`, &ReleaseEscrow{EscrowID: "ESC1"}},
		{CmdDeposit, `{"tx_hash":"0xabc","amount":5,"denom":"atestfet"}`,
			&Deposit{TxHash: "0xabc", Amount: 5, Denom: "atestfet"}},
		{CmdWithdrawalResult, `{"withdrawal_id":"WDR1","success":false,"reason":"nonce too low"}`,
			&WithdrawalResult{WithdrawalID: "WDR1", Reason: "nonce too low"}},
	}
	for _, tc := range cases {
		t.Run(tc.command, func(t *testing.T) {
			cmd, err := Decode(&Envelope{Command: tc.command, Payload: json.RawMessage(tc.payload)})
			require.NoError(t, err)
			require.Equal(t, tc.want, cmd)
			require.Equal(t, tc.command, cmd.Name())
		})
	}
}

func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	_, err := Decode(&Envelope{Command: "mint"})
	require.ErrorIs(t, err, ErrUnknownCommand)

	_, err = Decode(&Envelope{Command: CmdPayment, Payload: json.RawMessage(`{"amount":"lots"}`)})
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestFrameValidate(t *testing.T) {
	require.ErrorIs(t, (&Frame{Kind: FrameEnvelope}).Validate(), ErrInvalidEnvelope)
	require.ErrorIs(t, (&Frame{Kind: "ping"}).Validate(), ErrInvalidEnvelope)
	require.ErrorIs(t, (&Frame{Kind: FrameEnvelope, Envelope: &Envelope{Sender: "a", Command: "x"}}).Validate(), ErrInvalidEnvelope)
	require.NoError(t, (&Frame{Kind: FrameAck, Ack: &Ack{AcknowledgedMessageID: "m1", Sender: "a"}}).Validate())
}

func TestOutboundEnvelopeRequiresAck(t *testing.T) {
	env, err := NewEnvelope("ledger", NotifyPaymentReceived, PaymentReceived{Payer: "x", Amount: 3}, time.Now())
	require.NoError(t, err)

	msg, err := OutboundEnvelope("agent1qy", env)
	require.NoError(t, err)
	require.True(t, msg.RequiresAck)
	require.Equal(t, env.MessageID, msg.MessageID)
	require.Equal(t, model.OutboxStatusPending, msg.Status)

	var frame Frame
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &frame))
	require.Equal(t, FrameEnvelope, frame.Kind)
	require.Equal(t, env.MessageID, frame.Envelope.MessageID)

	ackMsg, err := OutboundAck("agent1qy", NewAck("ledger", "m1", time.Now()))
	require.NoError(t, err)
	require.False(t, ackMsg.RequiresAck)
	require.NotEqual(t, "m1", ackMsg.MessageID)
}

func TestMemorySeenCacheExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cache := NewMemorySeenCache(time.Minute, func() time.Time { return now })
	ctx := context.Background()

	entry, err := cache.Get(ctx, "a", "m1")
	require.NoError(t, err)
	require.Nil(t, entry)

	require.NoError(t, cache.Put(ctx, "a", "m1", &SeenEntry{State: StateAckSent}))
	require.Equal(t, 1, cache.Len())
	entry, err = cache.Get(ctx, "a", "m1")
	require.NoError(t, err)
	require.Equal(t, StateAckSent, entry.State)

	// message ids are scoped per sender
	entry, err = cache.Get(ctx, "b", "m1")
	require.NoError(t, err)
	require.Nil(t, entry)

	now = now.Add(2 * time.Minute)
	entry, err = cache.Get(ctx, "a", "m1")
	require.NoError(t, err)
	require.Nil(t, entry)
}
