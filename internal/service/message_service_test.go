package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
)

func TestSendMessageReachesEveryDeviceOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conversation("X", domain.ConversationPrivate, "A", "B")

	c1 := h.connect("A", "c1")
	c2 := h.connect("B", "c2")
	c3 := h.connect("B", "c3")
	h.svc.Messages.router.Join("c2", "X")

	msg, err := h.svc.Messages.SendMessage(ctx, domain.Draft{ConversationID: "X", SenderID: "A", Text: "hi"})
	require.NoError(t, err)

	total := 0
	for _, f := range [][]protocol.Envelope{frames(c1), frames(c2), frames(c3)} {
		recv := only(f, protocol.EventReceiveMessage)
		require.Len(t, recv, 1)
		total += len(recv)
		payload := decode[protocol.ReceiveMessage](t, recv[0])
		assert.Equal(t, msg.ID, payload.Message.ID)
		assert.Equal(t, msg.ID, payload.Conversation.LastMessageID)
		assert.Len(t, only(f, protocol.EventConversationUpdated), 1)
	}
	assert.Equal(t, 3, total)

	conv, err := h.store.GetConversation(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, conv.LastMessageID)
	assert.Equal(t, 1, conv.UnreadCount["B"])
	assert.Equal(t, 0, conv.UnreadCount["A"])
	assert.Equal(t, []string{EventMessageCreated}, h.sink.all())
}

func TestUnreadCountsPerRecipient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conversation("G", domain.ConversationGroup, "A", "B", "C")

	send := func(from string) {
		_, err := h.svc.Messages.SendMessage(ctx, domain.Draft{ConversationID: "G", SenderID: from, Text: "x"})
		require.NoError(t, err)
	}
	send("A")
	send("A")
	send("B")

	conv, err := h.store.GetConversation(ctx, "G")
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount["A"])
	assert.Equal(t, 2, conv.UnreadCount["B"])
	assert.Equal(t, 3, conv.UnreadCount["C"])
}

func TestSendMessageRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conversation("X", domain.ConversationPrivate, "A", "B")

	cases := []struct {
		name  string
		draft domain.Draft
		kind  apperr.Kind
	}{
		{"empty body", domain.Draft{ConversationID: "X", SenderID: "A", Text: "  "}, apperr.KindValidation},
		{"emoji without payload", domain.Draft{ConversationID: "X", SenderID: "A", Type: domain.MessageEmoji}, apperr.KindValidation},
		{"system from client", domain.Draft{ConversationID: "X", SenderID: "A", Type: domain.MessageSystem, Text: "x"}, apperr.KindValidation},
		{"unknown conversation", domain.Draft{ConversationID: "nope", SenderID: "A", Text: "x"}, apperr.KindNotFound},
		{"not a participant", domain.Draft{ConversationID: "X", SenderID: "Z", Text: "x"}, apperr.KindForbidden},
	}
	c1 := h.connect("A", "c1")
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Messages.SendMessage(ctx, tc.draft)
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
		})
	}
	assert.Empty(t, frames(c1))
	conv, _ := h.store.GetConversation(ctx, "X")
	assert.Empty(t, conv.LastMessageID)
}

func TestStorageFailureHasNoFanOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conversation("X", domain.ConversationPrivate, "A", "B")
	c1 := h.connect("A", "c1")
	c2 := h.connect("B", "c2")

	h.store.failInsert = true
	_, err := h.svc.Messages.SendMessage(ctx, domain.Draft{ConversationID: "X", SenderID: "A", Text: "hi"})
	assert.ErrorIs(t, err, apperr.ErrStorage)

	h.store.failInsert = false
	h.store.failApply = true
	_, err = h.svc.Messages.SendMessage(ctx, domain.Draft{ConversationID: "X", SenderID: "A", Text: "hi"})
	assert.ErrorIs(t, err, apperr.ErrStorage)

	assert.Empty(t, frames(c1))
	assert.Empty(t, frames(c2))
	assert.Empty(t, h.sink.all())

	// the inserted message was rolled back
	msgs, err := h.store.ListMessages(ctx, "X", time.Time{}, 50)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	conv, _ := h.store.GetConversation(ctx, "X")
	assert.Equal(t, 0, conv.UnreadCount["B"])
}

func TestConcurrentSendersObservePersistenceOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conversation("X", domain.ConversationGroup, "A", "B", "C")
	watcher := h.connect("C", "c9")

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := "A"
			if i%2 == 1 {
				from = "B"
			}
			_, err := h.svc.Messages.SendMessage(ctx, domain.Draft{ConversationID: "X", SenderID: from, Text: fmt.Sprint(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var seen []string
	for _, env := range only(frames(watcher), protocol.EventReceiveMessage) {
		seen = append(seen, decode[protocol.ReceiveMessage](t, env).Message.ID)
	}
	stored, err := h.store.ListMessages(ctx, "X", time.Time{}, 100)
	require.NoError(t, err)
	var order []string
	for _, m := range stored {
		order = append(order, m.ID)
	}
	assert.Equal(t, order, seen)

	conv, _ := h.store.GetConversation(ctx, "X")
	assert.Equal(t, 30, conv.UnreadCount["C"])
	assert.Equal(t, order[len(order)-1], conv.LastMessageID)
}

func TestIngestSystemMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conversation("X", domain.ConversationGroup, "A", "B")
	c1 := h.connect("A", "c1")

	m, err := h.svc.Messages.IngestSystemMessage(ctx, domain.Draft{ConversationID: "X", Type: domain.MessageSystem, Text: "B joined"})
	require.NoError(t, err)
	assert.Equal(t, "system", m.SenderID)
	assert.Len(t, only(frames(c1), protocol.EventReceiveMessage), 1)

	conv, _ := h.store.GetConversation(ctx, "X")
	assert.Equal(t, 1, conv.UnreadCount["A"])
	assert.Equal(t, 1, conv.UnreadCount["B"])
}

func TestListMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conversation("X", domain.ConversationPrivate, "A", "B")
	for i := 0; i < 5; i++ {
		_, err := h.svc.Messages.SendMessage(ctx, domain.Draft{ConversationID: "X", SenderID: "A", Text: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	all, err := h.svc.Messages.ListMessages(ctx, "B", "X", 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "0", all[0].Text)

	page, err := h.svc.Messages.ListMessages(ctx, "B", "X", 2, all[4].CreatedAt)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "2", page[0].Text)
	assert.Equal(t, "3", page[1].Text)

	_, err = h.svc.Messages.ListMessages(ctx, "Z", "X", 10, time.Time{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestDeleteMessageRepairsLastMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conversation("X", domain.ConversationPrivate, "A", "B")
	first, err := h.svc.Messages.SendMessage(ctx, domain.Draft{ConversationID: "X", SenderID: "A", Text: "one"})
	require.NoError(t, err)
	second, err := h.svc.Messages.SendMessage(ctx, domain.Draft{ConversationID: "X", SenderID: "A", Text: "two"})
	require.NoError(t, err)
	c2 := h.connect("B", "c2")

	err = h.svc.Messages.DeleteMessage(ctx, "B", second.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	require.NoError(t, h.svc.Messages.DeleteMessage(ctx, "A", second.ID))
	conv, _ := h.store.GetConversation(ctx, "X")
	assert.Equal(t, first.ID, conv.LastMessageID)

	f := frames(c2)
	deleted := only(f, protocol.EventMessageDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, second.ID, decode[protocol.MessageDeleted](t, deleted[0]).MessageID)
	updated := only(f, protocol.EventConversationUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, first.ID, decode[protocol.ConversationUpdated](t, updated[0]).Conversation.LastMessage.ID)

	require.NoError(t, h.svc.Messages.DeleteMessage(ctx, "A", first.ID))
	conv, _ = h.store.GetConversation(ctx, "X")
	assert.Empty(t, conv.LastMessageID)

	err = h.svc.Messages.DeleteMessage(ctx, "A", first.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
