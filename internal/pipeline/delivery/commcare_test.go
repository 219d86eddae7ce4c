package delivery

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submittedCase struct {
	Name string `xml:"name,attr"`
	Case struct {
		CaseID string `xml:"case_id,attr"`
		Create struct {
			CaseType string `xml:"case_type"`
			CaseName string `xml:"case_name"`
			OwnerID  string `xml:"owner_id"`
		} `xml:"create"`
		Update struct {
			ExternalID string `xml:"external_id"`
			FirstName  string `xml:"participantName"`
			Odd        string `xml:"_2nd_phone"`
		} `xml:"update"`
	} `xml:"case"`
	Meta struct {
		InstanceID string `xml:"instanceID"`
	} `xml:"meta"`
}

func participantOp() domain.Operation {
	return domain.Operation{
		Name:        "participant_1",
		Destination: domain.DestinationFieldPlatform,
		Object:      "coffee_ke_participant",
		KeyField:    "external_id",
		Key:         "003A",
		Fields: map[string]any{
			"participantName": "Wanjiru & Co",
			"2nd phone":       "0700",
		},
	}
}

func TestCommCareSubmitsCaseXML(t *testing.T) {
	var got []submittedCase
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "ApiKey relay:key", r.Header.Get("Authorization"))

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var sc submittedCase
		require.NoError(t, xml.Unmarshal(raw, &sc))
		got = append(got, sc)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cc := NewCommCare(CommCareConfig{SubmitURL: srv.URL, Username: "relay", APIKey: "key", OwnerID: "owner-1"}, discardLogger())

	require.NoError(t, cc.Deliver(context.Background(), participantOp()))
	require.NoError(t, cc.Deliver(context.Background(), participantOp()))
	require.Len(t, got, 2)

	first := got[0]
	assert.Equal(t, "participant_1", first.Name)
	assert.Equal(t, "coffee_ke_participant", first.Case.Create.CaseType)
	assert.Equal(t, "003A", first.Case.Create.CaseName)
	assert.Equal(t, "owner-1", first.Case.Create.OwnerID)
	assert.Equal(t, "003A", first.Case.Update.ExternalID)
	assert.Equal(t, "Wanjiru & Co", first.Case.Update.FirstName)
	assert.Equal(t, "0700", first.Case.Update.Odd)

	assert.Equal(t, first.Case.CaseID, got[1].Case.CaseID, "redelivery targets the same case")
	assert.NotEqual(t, first.Meta.InstanceID, got[1].Meta.InstanceID)
}

func TestCommCareNonCreatedIsFailure(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   domain.ErrorKind
	}{
		{name: "ok is not created", status: http.StatusOK, kind: domain.KindRemoteRejection},
		{name: "bad xml", status: http.StatusBadRequest, kind: domain.KindRemoteRejection},
		{name: "server error", status: http.StatusInternalServerError, kind: domain.KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			cc := NewCommCare(CommCareConfig{SubmitURL: srv.URL}, discardLogger())
			err := cc.Deliver(context.Background(), participantOp())

			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
		})
	}
}
