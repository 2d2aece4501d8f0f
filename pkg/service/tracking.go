package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rowmail/rowmail/internal/log"
	"github.com/rowmail/rowmail/pkg/expr"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/storage"
	"github.com/rowmail/rowmail/pkg/table"
)

// TrackPayload identifies one tracked email: the action it came from, who
// sent it, who received it and which column records the open count.
type TrackPayload struct {
	ActionID  int64  `json:"action"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	ColumnTo  string `json:"column_to"`
	ColumnDst string `json:"column_dst"`
}

// Tracker signs tracking payloads into pixel URLs and processes the opens
// coming back.
type Tracker struct {
	store   storage.Store
	table   *table.Accessor
	auditor *Auditor
	secret  []byte
	baseURL string
}

func NewTracker(store storage.Store, secret, baseURL string) *Tracker {
	return &Tracker{
		store:   store,
		table:   table.NewAccessor(store),
		auditor: NewAuditor(store),
		secret:  []byte(secret),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Sign serializes and MACs the payload into an opaque token.
func (t *Tracker) Sign(p TrackPayload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, t.secret)
	mac.Write(body)
	token := base64.RawURLEncoding.EncodeToString(body) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return token, nil
}

// Verify checks the MAC and decodes the payload.
func (t *Tracker) Verify(token string) (TrackPayload, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return TrackPayload{}, errors.New("malformed tracking token")
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return TrackPayload{}, errors.Wrap(err, "decoding tracking token")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return TrackPayload{}, errors.Wrap(err, "decoding tracking signature")
	}
	mac := hmac.New(sha256.New, t.secret)
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return TrackPayload{}, errors.New("tracking signature mismatch")
	}
	var p TrackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return TrackPayload{}, errors.Wrap(err, "decoding tracking payload")
	}
	return p, nil
}

// PixelHTML returns the invisible image fragment appended to tracked
// messages. The extra parameter defeats proxy caches so repeat opens still
// reach the endpoint.
func (t *Tracker) PixelHTML(p TrackPayload) (string, error) {
	token, err := t.Sign(p)
	if err != nil {
		return "", err
	}
	u := fmt.Sprintf("%s/trck?v=%s&x=%s", t.baseURL, url.QueryEscape(token), uuid.NewString())
	return fmt.Sprintf(
		`<img src="%s" alt="" style="position:absolute; visibility:hidden"/>`, u), nil
}

// TrackOpen handles one pixel hit: it bumps the destination column of the
// recipient's row and records the read. Failures to update the cell are
// captured in the log entry instead of failing the request; the pixel
// endpoint always answers 200.
func (t *Tracker) TrackOpen(token string) error {
	p, err := t.Verify(token)
	if err != nil {
		return err
	}
	action, err := t.store.GetAction(p.ActionID)
	if err != nil {
		return err
	}
	logPayload := map[string]any{
		"action":       action.Name,
		"sender":       p.Sender,
		"to":           p.Recipient,
		"email_column": p.ColumnTo,
		"column_dst":   p.ColumnDst,
	}
	if p.ColumnDst != "" {
		if err := t.increment(action.WorkflowID, p); err != nil {
			logPayload["EXCEPTION_MSG"] = err.Error()
		} else if err := t.refreshCounts(action.WorkflowID, p.ColumnDst); err != nil {
			log.GetLogger().Warnf("Failed to refresh condition counts after track: %v", err)
		}
	}
	_, err = t.auditor.Record(p.Sender, action.WorkflowID, models.EventActionEmailRead, logPayload)
	return err
}

// increment adds one to the integer cell (columnDst) of the row addressed
// by columnTo == to.
func (t *Tracker) increment(workflowID int64, p TrackPayload) error {
	pos, row, err := t.table.LookupRow(workflowID, p.ColumnTo, p.Recipient)
	if err != nil {
		return err
	}
	var current int64
	switch v := row[p.ColumnDst].(type) {
	case nil:
	case int64:
		current = v
	case int:
		current = int64(v)
	case float64:
		current = int64(v)
	default:
		return errors.Errorf("column %q does not hold integers", p.ColumnDst)
	}
	return t.store.UpdateRowValues(workflowID, pos, map[string]any{p.ColumnDst: current + 1})
}

// refreshCounts recomputes the selected-row count of every condition whose
// formula mentions the tracking column.
func (t *Tracker) refreshCounts(workflowID int64, column string) error {
	actions, err := t.store.ListActions(workflowID)
	if err != nil {
		return err
	}
	for _, a := range actions {
		for _, c := range a.Conditions {
			if c.Formula == nil {
				continue
			}
			mentions := false
			for _, f := range c.Formula.Fields() {
				if f == column {
					mentions = true
					break
				}
			}
			if !mentions {
				continue
			}
			count, err := t.selectedCount(workflowID, c)
			if err != nil {
				return err
			}
			if count != c.SelectedCount {
				c.SelectedCount = count
				if err := t.store.UpdateCondition(c); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (t *Tracker) selectedCount(workflowID int64, c models.Condition) (int, error) {
	cur, err := t.store.ScanRows(workflowID)
	if err != nil {
		return 0, err
	}
	defer cur.Close()
	count := 0
	for {
		_, row, ok, err := cur.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return count, nil
		}
		verdict, err := expr.Evaluate(c.Formula, row)
		if err != nil {
			return 0, err
		}
		if verdict.AsBool() {
			count++
		}
	}
}

// ProvisionTrackColumn finds the first free EmailRead_<k> name counting
// from 1, creates the integer column initialized to zero and returns its
// name.
func ProvisionTrackColumn(acc *table.Accessor, store storage.Store, user string, workflowID int64) (string, error) {
	cols, err := store.GetColumns(workflowID)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(cols))
	for _, c := range cols {
		taken[c.Name] = true
	}
	name := ""
	for idx := 1; ; idx++ {
		candidate := fmt.Sprintf("EmailRead_%d", idx)
		if !taken[candidate] {
			name = candidate
			break
		}
	}
	if _, err := acc.AddColumn(workflowID, models.Column{
		Name: name,
		Type: models.IntegerType,
	}, int64(0)); err != nil {
		return "", err
	}
	_, err = store.AppendLog(models.LogEntry{
		CreatedAt:  time.Now(),
		User:       user,
		WorkflowID: workflowID,
		Event:      models.EventColumnAdd,
		Payload:    map[string]any{"column": name, "type": string(models.IntegerType)},
	})
	return name, err
}
