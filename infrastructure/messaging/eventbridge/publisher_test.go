package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"treechat/domain/core/valueobjects"
	"treechat/domain/events"
)

type mockEventBridge struct {
	mock.Mock
}

func (m *mockEventBridge) PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*eventbridge.PutEventsOutput)
	return out, args.Error(1)
}

func sessionEvents(n int) []events.DomainEvent {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]events.DomainEvent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, events.NewSessionDeleted(valueobjects.MustSessionID("s-1"), i, ts))
	}
	return out
}

func TestPublisher_SplitsIntoBatches(t *testing.T) {
	client := new(mockEventBridge)
	var sizes []int
	client.On("PutEvents", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			sizes = append(sizes, len(args.Get(1).(*eventbridge.PutEventsInput).Entries))
		}).
		Return(&eventbridge.PutEventsOutput{}, nil)

	p := NewPublisher(client, "bus", "", nil)
	require.NoError(t, p.Publish(context.Background(), sessionEvents(23)))
	assert.Equal(t, []int{10, 10, 3}, sizes)
}

func TestPublisher_EntryFields(t *testing.T) {
	client := new(mockEventBridge)
	var entry types.PutEventsRequestEntry
	client.On("PutEvents", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { entry = args.Get(1).(*eventbridge.PutEventsInput).Entries[0] }).
		Return(&eventbridge.PutEventsOutput{}, nil)

	p := NewPublisher(client, "treechat-bus", "", nil)
	require.NoError(t, p.Publish(context.Background(), sessionEvents(1)))

	assert.Equal(t, "treechat-bus", aws.ToString(entry.EventBusName))
	assert.Equal(t, DefaultSource, aws.ToString(entry.Source))
	assert.Equal(t, events.TypeSessionDeleted, aws.ToString(entry.DetailType))
	assert.Equal(t, []string{"treechat:s-1"}, entry.Resources)
	assert.Nil(t, entry.TraceHeader)

	var detail map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(entry.Detail)), &detail))
	assert.Equal(t, "s-1", detail["aggregate_id"])
}

func TestPublisher_NoEventsNoCall(t *testing.T) {
	client := new(mockEventBridge)
	p := NewPublisher(client, "", "", nil)
	require.NoError(t, p.Publish(context.Background(), nil))
	client.AssertNotCalled(t, "PutEvents", mock.Anything, mock.Anything)
}

func TestPublisher_ReportsFailedEntries(t *testing.T) {
	client := new(mockEventBridge)
	client.On("PutEvents", mock.Anything, mock.Anything).Return(&eventbridge.PutEventsOutput{
		FailedEntryCount: 1,
		Entries: []types.PutEventsResultEntry{
			{EventId: aws.String("e-1")},
			{ErrorCode: aws.String("InternalFailure"), ErrorMessage: aws.String("boom")},
		},
	}, nil)

	p := NewPublisher(client, "bus", "", nil)
	err := p.Publish(context.Background(), sessionEvents(2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 events failed")
}

func TestPublisher_StopsAtFirstFailingBatch(t *testing.T) {
	client := new(mockEventBridge)
	client.On("PutEvents", mock.Anything, mock.Anything).Return(nil, errors.New("throttled")).Once()

	p := NewPublisher(client, "bus", "", nil)
	err := p.Publish(context.Background(), sessionEvents(15))
	require.Error(t, err)
	client.AssertNumberOfCalls(t, "PutEvents", 1)
}
