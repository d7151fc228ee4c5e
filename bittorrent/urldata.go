package bittorrent

import "net/url"

// ParseURLData parses the BEP 41 URL-data extension — a raw, unescaped
// query string reassembled from one or more UDP announce options, or an
// HTTP request's own query string — into Params. An empty string is
// valid and yields an empty MapParams.
func ParseURLData(data string) (Params, error) {
	if data == "" {
		return MapParams{}, nil
	}

	values, err := url.ParseQuery(data)
	if err != nil {
		return nil, ClientError("malformed URL data")
	}

	m := make(MapParams, len(values))
	for k, v := range values {
		if len(v) > 0 {
			m[k] = v[0]
		}
	}
	return m, nil
}
