package agentrt

import (
	"fmt"
	"log/slog"
	"time"
)

// commandEnvelope is the outbound wire shape shared by every typed client
// command below: a string discriminator plus an arbitrary JSON payload.
type commandEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// sendCommand validates the connection is open, then ships a command
// envelope over the socket. Every method below funnels through this rather
// than calling c.transport.SendJSON directly.
func (c *Client) sendCommand(msgType string, payload any) error {
	if c.State() != StateConnected {
		return fmt.Errorf("agentrt: not connected to server")
	}
	return c.transport.SendJSON(commandEnvelope{Type: msgType, Payload: payload})
}

// GetAgents requests the list of agents available to the authenticated user.
func (c *Client) GetAgents() error {
	return c.sendCommand("get_agents", nil)
}

// SetAgent selects agentKey as the active agent for subsequent new chat
// sessions, and requests the server make it the active agent.
func (c *Client) SetAgent(agentKey string) error {
	c.mu.Lock()
	c.preferredAgentKey = agentKey
	c.mu.Unlock()
	return c.sendCommand("set_agent", map[string]string{"agent_key": agentKey})
}

// GetAvatars requests the list of avatars available to the authenticated
// user.
func (c *Client) GetAvatars() error {
	return c.sendCommand("get_avatars", nil)
}

// SetAvatar selects avatarID as the active avatar.
func (c *Client) SetAvatar(avatarID string) error {
	return c.sendCommand("set_avatar", map[string]string{"avatar_id": avatarID})
}

// SetAvatarSession attaches the active avatar to sessionID.
func (c *Client) SetAvatarSession(sessionID string) error {
	return c.sendCommand("set_avatar_session", map[string]string{"session_id": sessionID})
}

// ClearAvatarSession detaches the active avatar from whatever session it is
// currently attached to.
func (c *Client) ClearAvatarSession() error {
	return c.sendCommand("clear_avatar_session", nil)
}

// SetAgentVoice selects voiceID as the active agent's voice.
func (c *Client) SetAgentVoice(voiceID string) error {
	return c.sendCommand("set_agent_voice", map[string]string{"voice_id": voiceID})
}

// textInputPayload is TextInput's wire shape. FileIDs uses omitempty so a
// nil or empty slice is dropped from the marshalled JSON entirely, rather
// than sent as null or [].
type textInputPayload struct {
	Text    string   `json:"text"`
	FileIDs []string `json:"file_ids,omitempty"`
}

// TextInput sends a user chat turn, with optionally attached file ids from a
// prior FileUploader upload.
func (c *Client) TextInput(text string, fileIDs []string) error {
	return c.sendCommand("text_input", textInputPayload{Text: text, FileIDs: fileIDs})
}

// NewChatSession clears the current session id, resets the streaming
// accumulator, and asks the server to start a new chat session under
// agentKey.
func (c *Client) NewChatSession(agentKey string) error {
	c.sessions.ClearCurrentSession()
	return c.sendCommand("new_chat_session", map[string]string{"agent_key": agentKey})
}

// ResumeChatSession resets the streaming accumulator and asks the server to
// resume a previously started chat session. The authoritative current
// session id is set only once the server confirms with chat_session_changed.
func (c *Client) ResumeChatSession(sessionID string) error {
	c.processor.Reset()
	return c.sendCommand("resume_chat_session", map[string]string{"session_id": sessionID})
}

// SetChatSessionName renames sessionID in the local cache and asks the
// server to persist the new name.
func (c *Client) SetChatSessionName(sessionID, name string) error {
	c.sessions.UpdateSessionName(sessionID, name, time.Now())
	return c.sendCommand("set_chat_session_name", map[string]string{"session_id": sessionID, "name": name})
}

// DeleteChatSession optimistically removes sessionID from the cached
// session index and asks the server to delete it. If the send itself
// fails, the removal is rolled back immediately; if the server later
// reports the delete failed, handleChatSessionDeleteFailed rolls it back
// then.
func (c *Client) DeleteChatSession(sessionID string) error {
	removed := c.sessions.OptimisticDelete(sessionID)

	if err := c.sendCommand("delete_chat_session", map[string]string{"session_id": sessionID}); err != nil {
		c.sessions.Restore(removed)
		return err
	}

	c.mu.Lock()
	c.pendingDeletes[sessionID] = removed
	c.mu.Unlock()
	return nil
}

// SetSessionMetadata merges metadata into sessionID's server-side record.
func (c *Client) SetSessionMetadata(sessionID string, metadata map[string]any) error {
	return c.sendCommand("set_session_metadata", map[string]any{"session_id": sessionID, "metadata": metadata})
}

// SetSessionMessages replaces sessionID's message history with messages.
func (c *Client) SetSessionMessages(sessionID string, messages any) error {
	return c.sendCommand("set_session_messages", map[string]any{"session_id": sessionID, "messages": messages})
}

// GetUserSessions requests a page of the caller's session index. The
// response is merged into SessionStore by handleUserSessionsResponse.
func (c *Client) GetUserSessions(offset, limit int) error {
	return c.sendCommand("get_user_sessions", map[string]int{"offset": offset, "limit": limit})
}

// GetVoices requests the list of voices available to the active agent.
func (c *Client) GetVoices() error {
	return c.sendCommand("get_voices", nil)
}

// GetToolCatalog requests the set of tools available to the active agent.
func (c *Client) GetToolCatalog() error {
	return c.sendCommand("get_tool_catalog", nil)
}

// Ping sends an application-level keep-alive. This is distinct from the
// transport's own WebSocket ping/pong control frames and from the
// JSON-level ping/pong handled automatically in handleTextMessage.
func (c *Client) Ping() error {
	return c.sendCommand("ping", nil)
}

// ClientWantsCancel asks the server to stop the in-flight response. It is
// advisory and non-blocking: the SDK does not locally truncate the message
// until the server confirms with a "cancelled" event.
func (c *Client) ClientWantsCancel() error {
	before := c.transport.BufferedAmount()
	slog.Debug("agentrt: sending client_wants_cancel", "buffered_before", before)
	err := c.sendCommand("client_wants_cancel", nil)
	slog.Debug("agentrt: sent client_wants_cancel", "buffered_after", c.transport.BufferedAmount())
	return err
}
