package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// applyHeaderOptions sets opts from any x-chronicle-* header present in r;
// these headers are the only source of request options, since Request does
// not decode Options from the body. Structured fields (models,
// retry, metadata) are JSON-encoded in the header value.
func applyHeaderOptions(r *http.Request, opts *canon.RequestOptions) error {
	h := r.Header
	if v := h.Get("x-chronicle-model"); v != "" {
		opts.Model = v
	}
	if v := h.Get("x-chronicle-provider"); v != "" {
		opts.Provider = v
	}
	if v := h.Get("x-chronicle-override-url"); v != "" {
		opts.OverrideURL = v
	}
	if v := h.Get("x-chronicle-api-key"); v != "" {
		opts.APIKey = v
	}
	if v := h.Get("x-chronicle-random-choice"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		opts.RandomChoice = b
	}
	if v := h.Get("x-chronicle-timeout"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		opts.TimeoutMS = ms
	}
	if v := h.Get("x-chronicle-models"); v != "" {
		var models []canon.AliasModel
		if err := json.Unmarshal([]byte(v), &models); err != nil {
			return err
		}
		opts.Models = models
	}
	if v := h.Get("x-chronicle-retry"); v != "" {
		var retry canon.RetryOptions
		if err := json.Unmarshal([]byte(v), &retry); err != nil {
			return err
		}
		opts.Retry = &retry
	}
	if v := h.Get("x-chronicle-metadata"); v != "" {
		var meta canon.Metadata
		if err := json.Unmarshal([]byte(v), &meta); err != nil {
			return err
		}
		opts.Metadata = opts.Metadata.Merge(meta)
	}
	return nil
}

// requestOrg resolves the organization a /chat or /events call is scoped
// to: the x-chronicle-org header, falling back to metadata.organization_id,
// defaulting to "default" for a single-tenant deployment.
func requestOrg(r *http.Request, meta canon.Metadata) string {
	if v := r.Header.Get("x-chronicle-org"); v != "" {
		return v
	}
	if meta.OrganizationID != "" {
		return meta.OrganizationID
	}
	return "default"
}
