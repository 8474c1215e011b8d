package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tOgg1/chatsync/internal/models"
)

type commandKind int

const (
	cmdSend commandKind = iota
	cmdOlder
	cmdTheme
	cmdReply
	cmdRetry
	cmdQuit
	cmdHelp
)

// command is one parsed input line.
type command struct {
	kind  commandKind
	arg   string
	draft models.Draft
}

var errUnknownCommand = errors.New("unknown command")

const commandHelp = "/older  /theme <id>  /reply <id> [text]  /image <url> [caption]  /audio <url> [caption]  /retry <id>  /quit"

// parseInput turns an input line into a command. Plain text is a send;
// a leading "//" sends a literal slash.
func parseInput(line string) (command, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return command{}, errors.New("nothing to send")
	}
	if strings.HasPrefix(trimmed, "//") {
		return command{kind: cmdSend, draft: models.Draft{Kind: models.KindText, Body: trimmed[1:]}}, nil
	}
	if !strings.HasPrefix(trimmed, "/") {
		return command{kind: cmdSend, draft: models.Draft{Kind: models.KindText, Body: trimmed}}, nil
	}

	name, rest, _ := strings.Cut(trimmed[1:], " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(name) {
	case "older", "more":
		return command{kind: cmdOlder}, nil
	case "quit", "q", "exit":
		return command{kind: cmdQuit}, nil
	case "help", "?":
		return command{kind: cmdHelp}, nil
	case "theme":
		if rest == "" {
			return command{}, errors.New("usage: /theme <id>")
		}
		return command{kind: cmdTheme, arg: strings.ToLower(rest)}, nil
	case "retry":
		if rest == "" {
			return command{}, errors.New("usage: /retry <id>")
		}
		return command{kind: cmdRetry, arg: rest}, nil
	case "reply":
		id, text, _ := strings.Cut(rest, " ")
		if id == "" {
			return command{}, errors.New("usage: /reply <id> [text]")
		}
		return command{kind: cmdReply, arg: id, draft: models.Draft{Kind: models.KindText, Body: strings.TrimSpace(text)}}, nil
	case "image", "audio":
		url, caption, _ := strings.Cut(rest, " ")
		if url == "" {
			return command{}, fmt.Errorf("usage: /%s <url> [caption]", strings.ToLower(name))
		}
		return command{kind: cmdSend, draft: models.Draft{
			Kind:     models.Kind(strings.ToLower(name)),
			Body:     strings.TrimSpace(caption),
			MediaURL: url,
		}}, nil
	}
	return command{}, fmt.Errorf("%w: /%s", errUnknownCommand, name)
}

// resolveID finds the message whose id starts with prefix. Ambiguous and
// missing prefixes are errors.
func resolveID(snapshot []models.Message, prefix string) (models.Message, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return models.Message{}, errors.New("empty id")
	}
	var (
		found models.Message
		n     int
	)
	for _, m := range snapshot {
		if m.ID == prefix {
			return m, nil
		}
		if strings.HasPrefix(m.ID, prefix) {
			found = m
			n++
		}
	}
	switch n {
	case 0:
		return models.Message{}, fmt.Errorf("no message %q", prefix)
	case 1:
		return found, nil
	}
	return models.Message{}, fmt.Errorf("id %q is ambiguous", prefix)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
