package buschannel_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/flowkeeper/pkg/channels/gochannel"
	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/notification/buschannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_Send(t *testing.T) {
	t.Parallel()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	messages, err := sub.Subscribe(t.Context(), buschannel.DefaultTopic)
	require.NoError(t, err)

	channel := buschannel.New(pub, "")
	sent := models.Notification{Message: models.SLAViolationMessage, AttemptID: 9, RuleID: 2, WorkflowName: "daily"}

	require.NoError(t, channel.Send(t.Context(), sent))

	select {
	case msg := <-messages:
		msg.Ack()

		assert.Equal(t, "9:2", msg.Metadata.Get(buschannel.DedupeKeyMetadataKey))

		var received models.Notification
		require.NoError(t, json.Unmarshal(msg.Payload, &received))
		assert.Equal(t, sent.AttemptID, received.AttemptID)
		assert.Equal(t, sent.WorkflowName, received.WorkflowName)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not published")
	}
}
