package delivery

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"time"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"github.com/google/uuid"
)

const (
	caseXMLNS   = "http://commcarehq.org/case/transaction/v2"
	jrXMLNS     = "http://dev.commcarehq.org/jr/xforms"
	metaXMLNS   = "http://openrosa.org/jr/xforms"
	formXMLNS   = "http://commcarehq.org/formrelay/case-upsert"
	isoDateTime = "2006-01-02T15:04:05.000000Z"
)

// CommCareConfig configures the field-platform form submission client.
type CommCareConfig struct {
	SubmitURL string
	Username  string
	APIKey    string
	OwnerID   string
	UserID    string
	Timeout   time.Duration
}

// CommCare submits case create/update blocks through the form receiver.
// The case id is derived from the operation key, so a resubmission updates
// the same case.
type CommCare struct {
	cfg    CommCareConfig
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewCommCare creates the field-platform client.
func NewCommCare(cfg CommCareConfig, logger *slog.Logger) *CommCare {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CommCare{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type caseForm struct {
	XMLName xml.Name  `xml:"data"`
	XMLNS   string    `xml:"xmlns,attr"`
	JRM     string    `xml:"xmlns:jrm,attr"`
	Name    string    `xml:"name,attr"`
	Case    caseBlock `xml:"case"`
	Meta    formMeta  `xml:"meta"`
}

type caseBlock struct {
	XMLNS        string      `xml:"xmlns,attr"`
	CaseID       string      `xml:"case_id,attr"`
	DateModified string      `xml:"date_modified,attr"`
	UserID       string      `xml:"user_id,attr"`
	Create       caseCreate  `xml:"create"`
	Update       caseUpdates `xml:"update"`
}

type caseCreate struct {
	CaseType string `xml:"case_type"`
	CaseName string `xml:"case_name"`
	OwnerID  string `xml:"owner_id"`
}

type caseUpdates struct {
	Fields []caseField
}

type caseField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type formMeta struct {
	XMLNS      string `xml:"xmlns,attr"`
	InstanceID string `xml:"instanceID"`
	TimeStart  string `xml:"timeStart"`
	TimeEnd    string `xml:"timeEnd"`
	UserID     string `xml:"userID"`
}

var invalidXMLName = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// caseID is deterministic per case type and key.
func caseID(op domain.Operation) string {
	return domain.StableKey("case", op.Object, op.Key)
}

func xmlName(field string) string {
	name := invalidXMLName.ReplaceAllString(field, "_")
	if name == "" || (name[0] >= '0' && name[0] <= '9') || name[0] == '-' || name[0] == '.' {
		name = "_" + name
	}
	return name
}

// buildCaseXML renders op as a case block submission.
func (c *CommCare) buildCaseXML(op domain.Operation) ([]byte, error) {
	now := c.now().Format(isoDateTime)

	names := make([]string, 0, len(op.Fields))
	for k := range op.Fields {
		names = append(names, k)
	}
	sort.Strings(names)

	updates := caseUpdates{Fields: make([]caseField, 0, len(names)+1)}
	updates.Fields = append(updates.Fields, caseField{XMLName: xml.Name{Local: "external_id"}, Value: op.Key})
	for _, k := range names {
		if k == "external_id" {
			continue
		}
		updates.Fields = append(updates.Fields, caseField{
			XMLName: xml.Name{Local: xmlName(k)},
			Value:   fmt.Sprint(op.Fields[k]),
		})
	}

	caseName := op.Key
	if n, ok := op.Fields["name"].(string); ok && n != "" {
		caseName = n
	}

	form := caseForm{
		XMLNS: formXMLNS,
		JRM:   jrXMLNS,
		Name:  op.Name,
		Case: caseBlock{
			XMLNS:        caseXMLNS,
			CaseID:       caseID(op),
			DateModified: now,
			UserID:       c.cfg.UserID,
			Create: caseCreate{
				CaseType: op.Object,
				CaseName: caseName,
				OwnerID:  c.cfg.OwnerID,
			},
			Update: updates,
		},
		Meta: formMeta{
			XMLNS:      metaXMLNS,
			InstanceID: "uuid:" + uuid.NewString(),
			TimeStart:  now,
			TimeEnd:    now,
			UserID:     c.cfg.UserID,
		},
	}

	out, err := xml.Marshal(form)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

func (c *CommCare) Deliver(ctx context.Context, op domain.Operation) error {
	body, err := c.buildCaseXML(op)
	if err != nil {
		return domain.NewRemoteRejection(op.Name, fmt.Errorf("encode case xml: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SubmitURL, bytes.NewReader(body))
	if err != nil {
		return domain.NewTransportError(op.Name, err)
	}
	req.Header.Set("Content-Type", "text/xml")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("ApiKey %s:%s", c.cfg.Username, c.cfg.APIKey))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(op.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return classifyResponse(op.Name, resp)
	}

	c.logger.Debug("Submitted case to CommCare",
		slog.String("operation", op.Name),
		slog.String("case_type", op.Object),
		slog.String("case_id", caseID(op)),
	)
	return nil
}
