package bus

import (
	"strings"
	"testing"
	"time"
)

func TestTopics_PrefixFamilies(t *testing.T) {
	families := map[string][]string{
		"subtask.":   {TopicSubTaskStatus},
		"task.":      {TopicTaskCompleted, TopicTaskFailed},
		"agent.":     {TopicAgentReport, TopicAgentState},
		"message.":   {TopicMessageQueued, TopicMessageDelivered, TopicMessageFailed},
		"knowledge.": {TopicKnowledgeStored, TopicKnowledgeUpdated},
		"hitl.":      {TopicHITLRequested},
	}
	for prefix, topics := range families {
		for _, topic := range topics {
			if !strings.HasPrefix(topic, prefix) {
				t.Fatalf("topic %q does not share prefix %q", topic, prefix)
			}
		}
	}
}

func TestTopics_TypedPayloadRoundTrip(t *testing.T) {
	b := New()
	sub := b.Subscribe("subtask.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicSubTaskStatus, SubTaskStatusEvent{TaskID: "task_1", NewStatus: "running"})

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(SubTaskStatusEvent)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if payload.NewStatus != "running" {
			t.Fatalf("new status = %q", payload.NewStatus)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPublish_NilBusIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicTaskCompleted, nil)
}
