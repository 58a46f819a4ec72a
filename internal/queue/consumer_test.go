package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/kredo/storage"
	"github.com/yairfalse/kredo/types"
)

type fakeSQS struct {
	mu         sync.Mutex
	batches    [][]sqstypes.Message
	deleted    []string
	inputs     []*sqs.ReceiveMessageInput
	receiveErr error
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, params)
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	if len(f.batches) == 0 {
		// stands in for the long poll
		time.Sleep(time.Millisecond)
		return &sqs.ReceiveMessageOutput{}, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type fakeProcessor struct {
	mu     sync.Mutex
	orders []string
	err    error
}

func (f *fakeProcessor) ProcessConversion(ctx context.Context, conv types.Conversion) (storage.CommitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conv.OrderID == "" {
		return storage.CommitResult{}, fmt.Errorf("%w: order id cannot be empty", types.ErrInvalidConversion)
	}
	if f.err != nil {
		return storage.CommitResult{}, f.err
	}
	f.orders = append(f.orders, conv.OrderID)
	return storage.CommitResult{Stored: types.Decision{OrderID: conv.OrderID, Version: 1}}, nil
}

func message(id, body string) sqstypes.Message {
	return sqstypes.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
	}
}

func testConfig() Config {
	return Config{QueueURL: "https://sqs.example/conversions", WaitSeconds: 20, MaxMessages: 10, VisibilityTimeout: 30}
}

func TestPollOnce(t *testing.T) {
	client := &fakeSQS{batches: [][]sqstypes.Message{{
		message("1", `{"order_id":"o-1","value":10}`),
		message("2", `not json`),
		message("3", `{"value":5}`),
		message("4", `{"order_id":"o-2","value":20}`),
	}}}
	proc := &fakeProcessor{}
	c := NewWithClient(client, testConfig(), proc)

	committed, err := c.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, committed)
	assert.Equal(t, []string{"o-1", "o-2"}, proc.orders)
	assert.ElementsMatch(t, []string{"rh-1", "rh-2", "rh-3", "rh-4"}, client.deleted, "malformed and invalid messages are dropped")

	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, "https://sqs.example/conversions", aws.ToString(in.QueueUrl))
	assert.Equal(t, int32(10), in.MaxNumberOfMessages)
	assert.Equal(t, int32(20), in.WaitTimeSeconds)
}

func TestPollOnce_ProcessingFailureLeavesMessage(t *testing.T) {
	client := &fakeSQS{batches: [][]sqstypes.Message{{message("1", `{"order_id":"o-1"}`)}}}
	c := NewWithClient(client, testConfig(), &fakeProcessor{err: errors.New("database unavailable")})

	committed, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, committed)
	assert.Empty(t, client.deleted)
}

func TestPollOnce_ReceiveError(t *testing.T) {
	client := &fakeSQS{receiveErr: errors.New("throttled")}
	c := NewWithClient(client, testConfig(), &fakeProcessor{})

	_, err := c.PollOnce(context.Background())
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	client := &fakeSQS{batches: [][]sqstypes.Message{{message("1", `{"order_id":"o-1"}`)}}}
	proc := &fakeProcessor{}
	c := NewWithClient(client, testConfig(), proc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return len(proc.orders) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestNew_RequiresQueueURL(t *testing.T) {
	_, err := New(context.Background(), "us-east-1", Config{}, &fakeProcessor{})
	assert.Error(t, err)
}
