package handlers

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/congdinh/vivuchat/internal/models"
	"github.com/congdinh/vivuchat/internal/thinking"
)

type exportMessage struct {
	Role      string
	Think     template.HTML
	Content   template.HTML
	CreatedAt time.Time
}

type exportPageData struct {
	Title      string
	Model      string
	ExportedAt time.Time
	Messages   []exportMessage
}

// HandleExportChat renders the chat as a standalone HTML transcript. Message text is rendered as
// markdown; an assistant's thinking trace is folded away in its own block.
func (m Main) HandleExportChat(w http.ResponseWriter, r *http.Request) {
	chat, ok := m.ownedChat(w, r)
	if !ok {
		return
	}

	records, err := m.store.Messages(r.Context(), chat.ID)
	if err != nil {
		m.storeError(w, err, "messages")
		return
	}

	data := exportPageData{
		Title:      chat.Title,
		Model:      chat.Model,
		ExportedAt: m.now().UTC(),
		Messages:   make([]exportMessage, 0, len(records)),
	}
	for _, rec := range records {
		msg, err := m.exportMessage(rec)
		if err != nil {
			m.logger.Error("Failed to render message",
				slog.String("chatID", chat.ID),
				slog.String("messageID", rec.ID),
				slog.String(errLoggerKey, err.Error()))
			m.writeError(w, http.StatusInternalServerError, "failed to render chat")
			return
		}
		data.Messages = append(data.Messages, msg)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", "chat-"+chat.ID+".html"))
	if err := m.templates.ExecuteTemplate(w, "export.html", data); err != nil {
		m.logger.Error("Failed to execute export template", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) exportMessage(rec models.MessageRecord) (exportMessage, error) {
	content, think := rec.Content, ""
	if rec.Role == models.RoleAssistant && strings.Contains(rec.Content, thinking.CloseMarker) {
		s := thinking.NewSplitter(m.now)
		s.Apply(rec.Content, "")
		res := s.Finish("")
		content, think = res.Content, res.Think
	}

	msg := exportMessage{Role: string(rec.Role), CreatedAt: rec.CreatedAt}

	var err error
	if msg.Content, err = m.markdown.Render(content); err != nil {
		return exportMessage{}, err
	}
	if think != "" {
		if msg.Think, err = m.markdown.Render(think); err != nil {
			return exportMessage{}, err
		}
	}
	return msg, nil
}
