// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package validator_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IATI/refresher/pipeline/config"
	"github.com/IATI/refresher/pipeline/validator"
)

func newTestClient(schemaURL, fullURL string) *validator.Client {
	return validator.New(config.ValidateConfig{
		SchemaValidationURL:      schemaURL,
		SchemaValidationKeyName:  "x-functions-key",
		SchemaValidationKeyValue: "schema-key",
		SchemaValidationTimeout:  5 * time.Second,
		FullValidationURL:        fullURL,
		FullValidationKeyName:    "x-functions-key",
		FullValidationKeyValue:   "full-key",
		FullValidationTimeout:    5 * time.Second,
	})
}

func TestValidateSchema(t *testing.T) {
	ctx := context.Background()

	var gotKey string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-functions-key")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"valid": false}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL)

	result, err := client.ValidateSchema(ctx, []byte("<iati-activities/>"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, result.Status)
	require.NotNil(t, result.Valid)
	require.False(t, *result.Valid)
	require.Equal(t, "schema-key", gotKey)
	require.Equal(t, "<iati-activities/>", string(gotBody))
}

func TestValidateSchema_ServiceError(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	result, err := newTestClient(server.URL, server.URL).ValidateSchema(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, result.Status)
	require.Nil(t, result.Valid)
}

func TestValidateFull(t *testing.T) {
	ctx := context.Background()

	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{
			"valid": false,
			"fileType": "iati-activities",
			"iatiVersion": "2.03",
			"iati-activities": [{"index": 0, "valid": true}, {"index": 1, "valid": false}]
		}`))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL, server.URL).ValidateFull(ctx, []byte("<x/>"), true)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnprocessableEntity, result.Status)
	require.True(t, validator.ExpectedStatus(result.Status))
	require.NotNil(t, result.Report)
	require.NotNil(t, result.Report.Valid)
	require.False(t, *result.Report.Valid)
	require.Equal(t, "iati-activities", result.Report.FileType)
	require.Equal(t, "2.03", result.Report.IATIVersion)
	require.Len(t, result.Report.Activities, 2)
	require.True(t, result.Report.Activities[0].Valid)
	require.Equal(t, "meta=true", gotQuery)
	require.NotEmpty(t, result.Report.Raw)
}

func TestValidateFull_UnexpectedStatusHasNoReport(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	result, err := newTestClient(server.URL, server.URL).ValidateFull(ctx, nil, false)
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, result.Status)
	require.Nil(t, result.Report)
}
