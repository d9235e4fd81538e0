package botapi

import "encoding/json"

// Update is one incoming event from the platform webhook.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Message is an incoming or sent chat message.
type Message struct {
	MessageID int64    `json:"message_id"`
	From      *Account `json:"from,omitempty"`
	Chat      Chat     `json:"chat"`
	Text      string   `json:"text,omitempty"`
	Caption   string   `json:"caption,omitempty"`
	// MediaGroupID groups the parts of an album; empty for single media.
	MediaGroupID string      `json:"media_group_id,omitempty"`
	Photo        []PhotoSize `json:"photo,omitempty"`
	Video        *FileRef    `json:"video,omitempty"`
	Animation    *FileRef    `json:"animation,omitempty"`
	Document     *FileRef    `json:"document,omitempty"`
}

// Account identifies a platform user.
type Account struct {
	ID           int64  `json:"id"`
	IsBot        bool   `json:"is_bot"`
	FirstName    string `json:"first_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

// PhotoSize is one resolution of an uploaded photo. The platform sends
// several; the last one is the largest.
type PhotoSize struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
}

// FileRef references an uploaded video, animation, or document.
type FileRef struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileName     string `json:"file_name,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
}

// CallbackQuery is a button press on an inline keyboard.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    Account  `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// File is the platform's handle for downloading uploaded content.
type File struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size,omitempty"`
}

// InlineKeyboard is the reply markup attached to outgoing messages.
type InlineKeyboard struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

// InlineButton is one pressable button carrying a callback payload.
type InlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Row builds one keyboard row.
func Row(buttons ...InlineButton) []InlineButton { return buttons }

// Keyboard builds reply markup from rows.
func Keyboard(rows ...[]InlineButton) *InlineKeyboard {
	return &InlineKeyboard{InlineKeyboard: rows}
}

// Button is shorthand for a callback button.
func Button(text, data string) InlineButton {
	return InlineButton{Text: text, CallbackData: data}
}

// InputMedia is one element of an outgoing media group.
type InputMedia struct {
	Type    string `json:"type"` // photo | video | animation
	Media   string `json:"media"`
	Caption string `json:"caption,omitempty"`
}

// apiResponse is the envelope every platform endpoint replies with.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}
