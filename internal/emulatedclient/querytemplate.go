package emulatedclient

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/pkg/errors"
)

// DefaultQueryTemplate matches the query most trackers expect; fingerprint
// files may override it entirely to emulate a client with unusual query
// construction.
const DefaultQueryTemplate = `info_hash={{.InfoHash | urlEncode}}&peer_id={{.PeerID | urlEncode}}&port={{.Port}}` +
	`&uploaded={{.Uploaded}}&downloaded={{.Downloaded}}&left={{.Left}}&corrupt={{.Corrupt}}` +
	`&key={{.Key | uint32ToHexString | withLeadingZeroes 8 | toUpper}}&compact=1&numwant={{.NumWant}}` +
	`{{if .Event}}&event={{.Event}}{{end}}{{if .IP}}&ip={{.IP}}{{end}}`

// QueryVars is the set of values a query template may reference.
type QueryVars struct {
	InfoHash   string
	PeerID     string
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Corrupt    int64
	Key        uint32
	NumWant    int32
	Event      string
	IP         string
}

// templateFunctions builds the function map available to a query
// template, grounded on the teacher's per-client TemplateFunctions
// factory: urlEncode is bound to this fingerprint's own escaping policy
// rather than a package-global one.
func (fp *Fingerprint) templateFunctions() template.FuncMap {
	return template.FuncMap{
		"urlEncode": fp.EncodeQueryValue,
		"uint32ToHexString": func(k uint32) string {
			return strconv.FormatUint(uint64(k), 16)
		},
		// The piped value arrives last, so "x | withLeadingZeroes 8" pads x.
		"withLeadingZeroes": func(upToLength int, str string) string {
			return fmt.Sprintf("%0"+strconv.Itoa(upToLength)+"s", str)
		},
		"toLower": strings.ToLower,
		"toUpper": strings.ToUpper,
	}
}

// compileQueryTemplate parses this fingerprint's query template (or
// DefaultQueryTemplate if none was given in the fingerprint file).
func (fp *Fingerprint) compileQueryTemplate() error {
	src := fp.QueryTemplate
	if src == "" {
		src = DefaultQueryTemplate
	}
	tmpl, err := template.New("announceQuery").Funcs(fp.templateFunctions()).Parse(src)
	if err != nil {
		return errors.Wrap(err, "malformed query template")
	}
	fp.queryTemplate = tmpl
	return nil
}

// RenderQuery executes this fingerprint's compiled query template against
// vars, producing a ready-to-use URL query string.
func (fp *Fingerprint) RenderQuery(vars QueryVars) (string, error) {
	if fp.queryTemplate == nil {
		if err := fp.compileQueryTemplate(); err != nil {
			return "", err
		}
	}
	var buf bytes.Buffer
	if err := fp.queryTemplate.Execute(&buf, vars); err != nil {
		return "", errors.Wrap(err, "failed to render announce query")
	}
	return buf.String(), nil
}
