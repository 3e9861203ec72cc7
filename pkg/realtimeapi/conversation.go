package realtimeapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi/events"
)

// Conversation errors surfaced to session handlers, which translate them
// into protocol error events.
var (
	ErrItemNotFound     = errors.New("item not found")
	ErrNotAudioContent  = errors.New("content is not audio")
	ErrContentIndexOOB  = errors.New("content index out of range")
	ErrPreviousNotFound = errors.New("previous item not found")
)

// Conversation is the ordered item store for one loopback session. Items are
// value copies on the way in and out; only the conversation mutates them.
type Conversation struct {
	ID string

	mu    sync.RWMutex
	items []events.ConversationItem
}

func NewConversation() *Conversation {
	return &Conversation{
		ID: "conv_" + uuid.New().String()[:8],
	}
}

// AddItem appends an item to the end of the conversation.
func (c *Conversation) AddItem(item events.ConversationItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, item)
}

// InsertItemAfter places an item directly after previousItemID. An empty
// previousItemID inserts at the head of the conversation.
func (c *Conversation) InsertItemAfter(previousItemID string, item events.ConversationItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if previousItemID == "" {
		c.items = append([]events.ConversationItem{item}, c.items...)
		return nil
	}
	for i := range c.items {
		if c.items[i].ID == previousItemID {
			rest := append([]events.ConversationItem{item}, c.items[i+1:]...)
			c.items = append(c.items[:i+1], rest...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPreviousNotFound, previousItemID)
}

// GetItem returns a copy of the item with the given ID.
func (c *Conversation) GetItem(itemID string) (events.ConversationItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.items {
		if c.items[i].ID == itemID {
			return cloneItem(c.items[i]), true
		}
	}
	return events.ConversationItem{}, false
}

// LastItemID returns the ID of the most recent item, or "" when empty.
func (c *Conversation) LastItemID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.items) == 0 {
		return ""
	}
	return c.items[len(c.items)-1].ID
}

// LastItemByRole returns a copy of the most recent item with the given role.
func (c *Conversation) LastItemByRole(role events.Role) (events.ConversationItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := len(c.items) - 1; i >= 0; i-- {
		if c.items[i].Role == role {
			return cloneItem(c.items[i]), true
		}
	}
	return events.ConversationItem{}, false
}

// Items returns a copy of all items in order.
func (c *Conversation) Items() []events.ConversationItem {
	c.mu.RLock()
	defer c.mu.RUnlock()

	items := make([]events.ConversationItem, len(c.items))
	for i := range c.items {
		items[i] = cloneItem(c.items[i])
	}
	return items
}

// DeleteItem removes the item with the given ID.
func (c *Conversation) DeleteItem(itemID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.items {
		if c.items[i].ID == itemID {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
}

// UpdateItem replaces the stored item with the same ID.
func (c *Conversation) UpdateItem(item events.ConversationItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.items {
		if c.items[i].ID == item.ID {
			c.items[i] = cloneItem(item)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrItemNotFound, item.ID)
}

// UpdateItemStatus sets the status of the item with the given ID.
func (c *Conversation) UpdateItemStatus(itemID string, status events.ItemStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.items {
		if c.items[i].ID == itemID {
			c.items[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
}

// TruncateAudio cuts one audio content part of an item at byteEnd raw PCM
// bytes and drops its transcript, which no longer matches the audio. Cutting
// at or past the current length leaves the audio unchanged.
func (c *Conversation) TruncateAudio(itemID string, contentIndex, byteEnd int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.items {
		if c.items[i].ID != itemID {
			continue
		}
		if contentIndex < 0 || contentIndex >= len(c.items[i].Content) {
			return fmt.Errorf("%w: index %d of %d", ErrContentIndexOOB, contentIndex, len(c.items[i].Content))
		}
		part := &c.items[i].Content[contentIndex]
		if part.Type != events.ContentTypeAudio && part.Type != events.ContentTypeInputAudio {
			return fmt.Errorf("%w: %s", ErrNotAudioContent, part.Type)
		}

		audio, err := base64.StdEncoding.DecodeString(part.Audio)
		if err != nil {
			return fmt.Errorf("stored audio is not valid base64: %w", err)
		}
		if byteEnd < 0 {
			byteEnd = 0
		}
		if byteEnd < len(audio) {
			part.Audio = base64.StdEncoding.EncodeToString(audio[:byteEnd])
		}
		part.Transcript = ""
		return nil
	}
	return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
}

// Count returns the number of items.
func (c *Conversation) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Clear removes all items.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}

// cloneItem deep-copies the content slice so callers cannot alias stored
// items.
func cloneItem(item events.ConversationItem) events.ConversationItem {
	out := item
	if len(item.Content) > 0 {
		out.Content = make([]events.Content, len(item.Content))
		copy(out.Content, item.Content)
	}
	return out
}
