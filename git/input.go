package git

import (
	"net/url"
	"strings"

	"github.com/rrbutani/nix/errors"
	"github.com/rrbutani/nix/store"
)

// allowedAttrs is the full set of attribute names a Git input accepts.
// Anything else is rejected at parse time.
var allowedAttrs = map[string]struct{}{
	"type":         {},
	"url":          {},
	"ref":          {},
	"rev":          {},
	"shallow":      {},
	"submodules":   {},
	"allRefs":      {},
	"lastModified": {},
	"revCount":     {},
	"narHash":      {},
	"name":         {},
}

// inputSchemes are the URL schemes the Git input scheme claims. The "git+"
// prefix is stripped for internal use.
var inputSchemes = map[string]struct{}{
	"git":       {},
	"git+http":  {},
	"git+https": {},
	"git+ssh":   {},
	"git+file":  {},
}

// Input is a Git input specification: a URL plus the attributes that select
// and, once locked, identify a snapshot. An input is locked exactly when its
// rev is set.
type Input struct {
	attrs store.Attrs
}

// InputFromURL parses the URL form of a Git input:
//
//	git(+http|+https|+ssh|+file)://…?ref=…&rev=…&shallow=0|1&submodules=0|1
//
// The rev, ref, shallow and submodules query parameters are promoted to
// attributes; all other parameters stay on the transport URL.
func InputFromURL(rawURL string) (*Input, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidInput, "invalid URL %q", rawURL)
	}

	if _, ok := inputSchemes[u.Scheme]; !ok {
		return nil, errors.Newf(errors.CodeInvalidInput, "unsupported Git URL scheme %q", u.Scheme)
	}

	u2 := *u
	u2.Scheme = strings.TrimPrefix(u2.Scheme, "git+")

	attrs := store.Attrs{"type": "git"}

	remaining := url.Values{}
	for name, values := range u.Query() {
		value := ""
		if len(values) > 0 {
			value = values[0]
		}
		switch name {
		case "rev", "ref":
			attrs[name] = value
		case "shallow", "submodules":
			attrs[name] = value == "1"
		default:
			remaining[name] = values
		}
	}
	u2.RawQuery = remaining.Encode()

	attrs["url"] = u2.String()

	return InputFromAttrs(attrs)
}

// InputFromAttrs parses the attribute form of a Git input, rejecting unknown
// attribute names, bad ref names, and malformed revisions.
func InputFromAttrs(attrs store.Attrs) (*Input, error) {
	if typ, _ := attrs.GetStr("type"); typ != "git" {
		return nil, errors.Newf(errors.CodeInvalidInput, "input type must be \"git\", got %q", typ)
	}

	for name := range attrs {
		if _, ok := allowedAttrs[name]; !ok {
			return nil, errors.Newf(errors.CodeInvalidInput, "unsupported Git input attribute %q", name)
		}
	}

	rawURL, ok := attrs.GetStr("url")
	if !ok {
		return nil, errors.New(errors.CodeInvalidInput, "Git input requires a \"url\" attribute")
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidInput, "invalid Git URL %q", rawURL)
	}

	if ref, ok := attrs.GetStr("ref"); ok {
		if badGitRefRegex.MatchString(ref) {
			return nil, errors.Newf(errors.CodeInvalidInput, "invalid Git branch/tag name %q", ref)
		}
	}

	if rev, ok := attrs.GetStr("rev"); ok {
		if !revRegex.MatchString(rev) {
			return nil, errors.Newf(errors.CodeInvalidInput,
				"invalid Git revision %q; revisions must be SHA-1 or SHA-256 hashes", rev)
		}
		if _, ok := attrs.GetStr("ref"); !ok {
			return nil, errors.Newf(errors.CodeInvalidInput,
				"Git input has a commit hash but no branch/tag name")
		}
	}

	return &Input{attrs: attrs.Clone()}, nil
}

// Attrs returns a copy of the input's attributes.
func (i *Input) Attrs() store.Attrs {
	return i.attrs.Clone()
}

// URL returns the input's transport URL.
func (i *Input) URL() string {
	u, _ := i.attrs.GetStr("url")
	return u
}

// Ref returns the requested branch or tag, if any.
func (i *Input) Ref() (string, bool) {
	return i.attrs.GetStr("ref")
}

// Rev returns the pinned revision, if any.
func (i *Input) Rev() (string, bool) {
	return i.attrs.GetStr("rev")
}

// Shallow reports whether a depth-one fetch was requested.
func (i *Input) Shallow() bool {
	v, _ := i.attrs.GetBool("shallow")
	return v
}

// Submodules reports whether submodules are materialized.
func (i *Input) Submodules() bool {
	v, _ := i.attrs.GetBool("submodules")
	return v
}

// AllRefs reports whether every ref is fetched into the mirror.
func (i *Input) AllRefs() bool {
	v, _ := i.attrs.GetBool("allRefs")
	return v
}

// Name returns the snapshot name used for store paths.
func (i *Input) Name() string {
	if name, ok := i.attrs.GetStr("name"); ok {
		return name
	}
	return "source"
}

// NarHash returns the locked content hash, if known.
func (i *Input) NarHash() (string, bool) {
	return i.attrs.GetStr("narHash")
}

// LastModified returns the locked commit timestamp, if known.
func (i *Input) LastModified() (uint64, bool) {
	return i.attrs.GetInt("lastModified")
}

// RevCount returns the locked revision count, if known.
func (i *Input) RevCount() (uint64, bool) {
	return i.attrs.GetInt("revCount")
}

// IsLocked reports whether the input pins an immutable snapshot.
func (i *Input) IsLocked() bool {
	_, ok := i.Rev()
	return ok
}

// Fingerprint returns a cache key for evaluations derived from this input:
// the rev plus the submodule flag. Absent when the input is unlocked.
func (i *Input) Fingerprint() (string, bool) {
	rev, ok := i.Rev()
	if !ok {
		return "", false
	}
	flag := "0"
	if i.Submodules() {
		flag = "1"
	}
	return rev + ";" + flag, true
}

// ToURL renders the input back into its canonical URL form, the inverse of
// InputFromURL. Query keys come out sorted.
func (i *Input) ToURL() (*url.URL, error) {
	u, err := url.Parse(i.URL())
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidInput, "invalid Git URL %q", i.URL())
	}

	if u.Scheme != "git" {
		u.Scheme = "git+" + u.Scheme
	}

	query := u.Query()
	if rev, ok := i.Rev(); ok {
		query.Set("rev", rev)
	}
	if ref, ok := i.Ref(); ok {
		query.Set("ref", ref)
	}
	if i.Shallow() {
		query.Set("shallow", "1")
	}
	u.RawQuery = query.Encode()

	return u, nil
}

// String renders the input for display.
func (i *Input) String() string {
	if u, err := i.ToURL(); err == nil {
		return u.String()
	}
	return i.URL()
}

// ApplyOverrides returns a copy of the input with the given ref and/or rev
// replaced. Empty strings leave the respective attribute untouched. The
// result must not end up with a rev but no ref.
func (i *Input) ApplyOverrides(ref, rev string) (*Input, error) {
	res := &Input{attrs: i.attrs.Clone()}
	if rev != "" {
		if !revRegex.MatchString(rev) {
			return nil, errors.Newf(errors.CodeInvalidInput, "invalid Git revision %q", rev)
		}
		res.attrs["rev"] = rev
	}
	if ref != "" {
		if badGitRefRegex.MatchString(ref) {
			return nil, errors.Newf(errors.CodeInvalidInput, "invalid Git branch/tag name %q", ref)
		}
		res.attrs["ref"] = ref
	}

	if _, hasRef := res.Ref(); !hasRef {
		if _, hasRev := res.Rev(); hasRev {
			return nil, errors.Newf(errors.CodeInvalidInput,
				"Git input %q has a commit hash but no branch/tag name", res.String())
		}
	}

	return res, nil
}

// clone returns a deep copy; fetches mutate their own copy only.
func (i *Input) clone() *Input {
	return &Input{attrs: i.attrs.Clone()}
}

func (i *Input) setRef(ref string)        { i.attrs["ref"] = ref }
func (i *Input) setRev(rev string)        { i.attrs["rev"] = rev }
func (i *Input) setNarHash(h string)      { i.attrs["narHash"] = h }
func (i *Input) setLastModified(v uint64) { i.attrs["lastModified"] = v }
func (i *Input) setRevCount(v uint64)     { i.attrs["revCount"] = v }
