// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"net/url"
)

// Response modes.
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
)

// BuildRedirect appends params to redirectURI in the query or, for the
// fragment mode, in the fragment. Existing query parameters are kept.
func BuildRedirect(redirectURI, mode string, params url.Values) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	if mode == ResponseModeFragment {
		u.Fragment, u.RawFragment = "", ""
		return u.String() + "#" + params.Encode(), nil
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
