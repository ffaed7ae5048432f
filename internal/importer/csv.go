// Package importer performs the one-time leads.csv migration into the
// store. Earlier versions of this tool tracked leads in a spreadsheet;
// the importer lets an operator carry that history over on first boot.
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/minutely/outreach/internal/store"
)

// ImportLeadsCSV migrates path into the store. It is a no-op when the
// file is missing or the store already has contacts, so running it on
// every boot is safe.
func ImportLeadsCSV(ctx context.Context, st store.Store, path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("importer: no leads file at %s, skipping", path)
			return nil
		}
		return err
	}
	defer f.Close()

	count, err := st.CountContacts(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		log.Printf("importer: contacts already present, skipping CSV migration")
		return nil
	}

	imported, err := importReader(ctx, st, f)
	if err != nil {
		return err
	}
	log.Printf("importer: migrated %d leads from %s", imported, path)
	return nil
}

func importReader(ctx context.Context, st store.Store, r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, err
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	imported := 0
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return imported, err
		}

		url := field(row, "Profile_URL")
		if url == "" {
			continue
		}
		name := field(row, "Name")
		status := field(row, "Status")
		if status == "" {
			status = string(store.StateNew)
		}
		industry := field(row, "Industry")
		if industry == "" {
			industry = "Unknown"
		}

		var messagedAt *time.Time
		if raw := field(row, "Last_Contact_Date"); raw != "" {
			if t, err := parseLeadTime(raw); err == nil {
				messagedAt = &t
			}
		}

		seq := store.SequenceState(status)
		isMessaged := seq == store.StateMessage1Sent || seq == store.StateMessage2Sent || seq == store.StateReplied
		isConnected := isMessaged || seq == store.StateConnected

		connStatus := store.ConnectionConnected
		if seq == store.StateNew {
			connStatus = store.ConnectionUnknown
		}

		c := store.Contact{
			LinkedInID:       store.LinkedInIDFromURL(url),
			ProfileURL:       url,
			FullName:         name,
			FirstName:        firstWord(name),
			Company:          field(row, "Company"),
			Industry:         industry,
			IsConnected:      isConnected,
			ConnectionStatus: connStatus,
			SequenceState:    seq,
			HasReplied:       seq == store.StateReplied,
			LastContactAt:    messagedAt,
		}
		if isMessaged {
			c.LastMessagedAt = messagedAt
		}
		if err := st.CreateContact(ctx, &c); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return imported, err
		}

		// Backfill message history for leads already contacted, so the
		// batch scheduler never cold-messages them again.
		if isMessaged && messagedAt != nil {
			initial := store.Message{
				ContactID: c.ID,
				Type:      store.MessageInitial,
				Content:   "(sent via CLI)",
				Status:    store.MessageSent,
				SentAt:    messagedAt,
			}
			if err := st.CreateMessage(ctx, &initial); err != nil {
				return imported, err
			}
			if seq == store.StateMessage2Sent || seq == store.StateReplied {
				followup := store.Message{
					ContactID: c.ID,
					Type:      store.MessageFollowup,
					Content:   "(sent via CLI)",
					Status:    store.MessageSent,
					SentAt:    messagedAt,
				}
				if err := st.CreateMessage(ctx, &followup); err != nil {
					return imported, err
				}
			}
		}
		imported++
	}
	return imported, nil
}

func parseLeadTime(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.New("unrecognized time format")
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}
