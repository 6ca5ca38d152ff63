// ABOUTME: Tests for the external sinks using in-process fakes
// ABOUTME: NATS and Redis clients are faked at their interface; Kafka uses sarama's mock producer

package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	got    []Event
	err    error
	closed bool
}

func (r *recordingPublisher) Publish(_ context.Context, e Event) error {
	r.got = append(r.got, e)
	return r.err
}

func (r *recordingPublisher) Close() error {
	r.closed = true
	return r.err
}

func TestMulti_PublishesToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	ok := &recordingPublisher{}
	failing := &recordingPublisher{err: boom}
	m := Multi{failing, ok}

	err := m.Publish(t.Context(), makeEvent("e1", "t"))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, ok.got, 1, "a failing sink must not stop the others")

	assert.ErrorIs(t, m.Close(), boom)
	assert.True(t, ok.closed)
}

func TestEvent_Key(t *testing.T) {
	assert.Equal(t, "c1", Event{ConversationID: "c1", OperatorID: "o1"}.Key())
	assert.Equal(t, "o1", Event{OperatorID: "o1"}.Key())
}

type fakeNATS struct {
	msgs    []*nats.Msg
	drained bool
}

func (f *fakeNATS) PublishMsg(m *nats.Msg) error {
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

func TestNATSPublisher_SubjectAndHeaders(t *testing.T) {
	nc := &fakeNATS{}
	p := newNATSPublisher(nc, "", nil)

	ev := makeEvent("evt-9", "acme.eu")
	ev.Type = HandoffAssigned
	require.NoError(t, p.Publish(t.Context(), ev))

	require.Len(t, nc.msgs, 1)
	msg := nc.msgs[0]
	assert.Equal(t, "handoff.acme_eu.handoff.assigned", msg.Subject)
	assert.Equal(t, "evt-9", msg.Header.Get(nats.MsgIdHdr))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, ev.ConversationID, decoded.ConversationID)

	require.NoError(t, p.Close())
	assert.True(t, nc.drained)
}

type fakeRedis struct {
	channels []string
	payloads [][]byte
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, message.([]byte))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisPublisher_PublishesPerTenantChannel(t *testing.T) {
	rdb := &fakeRedis{}
	p := newRedisPublisher(rdb, "routing", nil)

	require.NoError(t, p.Publish(t.Context(), makeEvent("e", "tenant-7")))
	assert.Equal(t, []string{"routing:tenant-7"}, rdb.channels)
	assert.Contains(t, string(rdb.payloads[0]), `"tenant_id":"tenant-7"`)
}

func TestKafkaPublisher_KeysByConversation(t *testing.T) {
	producer := mocks.NewSyncProducer(t, KafkaConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.ConversationID != "conv-k1" {
			return errors.New("unexpected conversation")
		}
		return nil
	})

	p := newKafkaPublisher(producer, "", nil)
	require.NoError(t, p.Publish(t.Context(), makeEvent("k1", "t")))
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_ReportsFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, KafkaConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := newKafkaPublisher(producer, "routing", nil)
	err := p.Publish(t.Context(), makeEvent("k2", "t"))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

func TestRoutingKey(t *testing.T) {
	ev := makeEvent("e", "tenant.1")
	ev.Type = TransferExpired
	assert.Equal(t, "transfer.expired.tenant_1", RoutingKey(ev))
}

func TestOpen(t *testing.T) {
	p, err := Open(t.Context(), Options{}, nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = Open(t.Context(), Options{Driver: DriverLog}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LogPublisher{}, p)

	_, err = Open(t.Context(), Options{Driver: "carrier-pigeon"}, nil)
	assert.ErrorContains(t, err, "unknown events driver")

	_, err = Open(t.Context(), Options{Driver: DriverKafka}, nil)
	assert.ErrorContains(t, err, "brokers missing")
}

func TestAMQPPublisher_Live(t *testing.T) {
	url := os.Getenv("HANDOFF_TEST_AMQP_URL")
	if url == "" {
		t.Skip("HANDOFF_TEST_AMQP_URL not set")
	}
	p, err := NewAMQPPublisher(url, "handoff.test", nil)
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	assert.NoError(t, p.Publish(ctx, makeEvent("live", "t")))
}
