package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/tOgg1/chatsync/internal/models"
)

const tablePadding = 2

func writeTable(out io.Writer, headers []string, rows [][]string) error {
	colCount := len(headers)
	for _, row := range rows {
		if len(row) > colCount {
			colCount = len(row)
		}
	}
	if colCount == 0 {
		return nil
	}

	widths := make([]int, colCount)
	measure := func(index int, value string) {
		if index >= colCount {
			return
		}
		if w := runewidth.StringWidth(stripANSI(value)); w > widths[index] {
			widths[index] = w
		}
	}
	for idx, header := range headers {
		measure(idx, header)
	}
	for _, row := range rows {
		for idx, cell := range row {
			measure(idx, cell)
		}
	}

	writer := bufio.NewWriter(out)
	var writeErr error
	writeString := func(value string) {
		if writeErr == nil {
			_, writeErr = writer.WriteString(value)
		}
	}
	writeRow := func(row []string) {
		for idx := 0; idx < colCount; idx++ {
			cell := ""
			if idx < len(row) {
				cell = row[idx]
			}
			writeString(cell)
			if idx < colCount-1 {
				padding := widths[idx] - runewidth.StringWidth(stripANSI(cell))
				if padding < 0 {
					padding = 0
				}
				writeString(strings.Repeat(" ", padding+tablePadding))
			}
		}
		writeString("\n")
	}

	if len(headers) > 0 {
		writeRow(headers)
	}
	for _, row := range rows {
		writeRow(row)
	}
	if writeErr != nil {
		return writeErr
	}
	return writer.Flush()
}

func formatYesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func stripANSI(value string) string {
	if value == "" {
		return value
	}
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		if value[i] != 0x1b || i+1 >= len(value) || value[i+1] != '[' {
			b.WriteByte(value[i])
			continue
		}
		i += 2
		for i < len(value) {
			ch := value[i]
			if ch >= 0x40 && ch <= 0x7e {
				break
			}
			i++
		}
	}
	return b.String()
}

// truncate cuts value to width display columns.
func truncate(value string, width int) string {
	return runewidth.Truncate(value, width, "…")
}

func writeJSON(out io.Writer, value any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func authorLabel(msg models.Message, selfID string) string {
	switch {
	case selfID != "" && msg.AuthorID == selfID:
		return "you"
	case msg.AuthorRole == models.RoleOwner:
		return "owner"
	}
	return "guest " + shortID(msg.AuthorID)
}

// messageText is the single-line rendering used by history and tail.
func messageText(msg models.Message) string {
	text := strings.Join(strings.Fields(msg.Body), " ")
	if msg.Kind.IsMedia() {
		if text == msg.Kind.Placeholder() {
			text = ""
		}
		text = strings.TrimSpace(msg.Kind.Placeholder() + " " + msg.MediaURL + " " + text)
	}
	if msg.ReplyToID != "" {
		quote := "(unavailable)"
		if msg.Reply != nil {
			quote = string(msg.Reply.AuthorRole) + ": " + truncate(strings.Join(strings.Fields(msg.Reply.Body), " "), 30)
		}
		text = "↪ " + quote + " | " + text
	}
	return text
}

func formatLine(msg models.Message, selfID string) string {
	return fmt.Sprintf("%s  %s  %s", msg.CreatedAt.Local().Format(time.DateTime), authorLabel(msg, selfID), messageText(msg))
}
