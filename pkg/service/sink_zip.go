package service

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/storage"
)

const zipHTMLBody = `<!DOCTYPE html>
<html>
  <head>
    <meta charset="UTF-8">
    <title>title</title>
  </head>
  <body>
    %s
  </body>
</html>`

// BuildZip renders the action once per row and packs the results into a zip
// archive, one HTML file per participant. Unlike the outbound sinks this
// runs synchronously: the archive goes back to the requester as a download.
//
// In Moodle mode entry names follow the feedback upload convention
// ("{user_fname}_{part_id}_assignsubmission_file_/{part_id}_feedback.html"),
// where the part id is the numeric suffix of a "Participant N" item value.
func BuildZip(store storage.Store, action models.Action, payload map[string]any) (string, []byte, int, error) {
	items, err := buildItems(store, action, payload)
	if err != nil {
		return "", nil, 0, err
	}

	moodle := boolField(payload, "zip_for_moodle")
	fnameColumn, _ := payload["user_fname_column"].(string)
	suffix, _ := payload["file_suffix"].(string)
	if suffix == "" {
		suffix = "feedback.html"
	}

	buf := &bytes.Buffer{}
	archive := zip.NewWriter(buf)
	for _, item := range items {
		partID := item.Recipient
		if moodle {
			// Moodle item values read "Participant N"; the file name wants
			// only the number.
			fields := strings.Fields(partID)
			if len(fields) < 2 {
				return "", nil, 0, models.NewValidationError(
					"item value %q is not a Moodle participant id", partID)
			}
			partID = fields[1]
		}
		userFname := ""
		if fnameColumn != "" {
			if v, present := item.Row[fnameColumn]; present && v != nil {
				userFname = fmt.Sprint(v)
			}
		}

		var name string
		switch {
		case moodle:
			name = fmt.Sprintf("%s_%s_assignsubmission_file_/%s_%s",
				userFname, partID, partID, suffix)
		case userFname != "":
			name = fmt.Sprintf("%s_%s_%s", partID, userFname, suffix)
		default:
			name = partID + suffix
		}

		w, err := archive.Create(name)
		if err != nil {
			return "", nil, 0, err
		}
		if _, err := fmt.Fprintf(w, zipHTMLBody, item.Body); err != nil {
			return "", nil, 0, err
		}
	}
	if err := archive.Close(); err != nil {
		return "", nil, 0, err
	}

	archiveName := fmt.Sprintf(
		"rowmail_zip_action_%s.zip", time.Now().Format("060102_150405"))
	return archiveName, buf.Bytes(), len(items), nil
}
