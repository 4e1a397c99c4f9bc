package router

import (
	"combo-gateway/internal/models"
	"combo-gateway/internal/translator"
)

// TranslateRequest converts a raw request between two formats without
// executing it.
func (r *Router) TranslateRequest(from, to translator.Format, raw []byte) ([]byte, error) {
	return r.formats.TranslateRequest(from, to, raw)
}

// TranslateResponse renders a canonical response in format.
func (r *Router) TranslateResponse(format translator.Format, resp *models.CanonicalResponse) ([]byte, error) {
	codec, err := r.formats.Lookup(format)
	if err != nil {
		return nil, err
	}
	return codec.EncodeResponse(resp)
}
