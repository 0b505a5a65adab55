// Package extract turns one CORDIS project XML document into a project row
// and its organisation rows.
package extract

import (
	"bytes"
	"encoding/xml"
	"io"
	"os"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	"github.com/rotisserie/eris"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/cases"

	"github.com/sells-group/cordis-cli/internal/fault"
)

// Project is one funded project.
type Project struct {
	RCN            Value
	Reference      Value
	Acronym        Value
	Title          Value
	TotalCost      Value
	ECContribution Value
	Teaser         Value
	Objective      Value
	StartDate      Value
	EndDate        Value
	Status         Value
}

// Fields returns the project's columns in output order.
func (p Project) Fields() []Value {
	return []Value{
		p.RCN, p.Reference, p.Acronym, p.Title, p.TotalCost, p.ECContribution,
		p.Teaser, p.Objective, p.StartDate, p.EndDate, p.Status,
	}
}

// Organisation is one participant of a project. ProjectRCN is the owning
// project's record number.
type Organisation struct {
	ProjectRCN     Value
	ID             Value
	Order          Value
	Type           Value
	ShortName      Value
	LegalName      Value
	City           Value
	Country        Value
	ECContribution Value
}

// Fields returns the organisation's columns in output order.
func (o Organisation) Fields() []Value {
	return []Value{
		o.ProjectRCN, o.ID, o.Order, o.Type, o.ShortName, o.LegalName,
		o.City, o.Country, o.ECContribution,
	}
}

// Record is everything extracted from one project document. Organisations
// are in document order.
type Record struct {
	Project       Project
	Organisations []Organisation
}

type projectPaths struct {
	rcn, reference, acronym, title, totalCost, ecContribution *xpath.Expr
	teaser, objective, startDate, endDate, status             *xpath.Expr
}

type organisationPaths struct {
	ecContribution, order, kind             *xpath.Expr
	id, shortName, legalName, city, country *xpath.Expr
}

// Extractor resolves record fields for one programme's XML schema. It holds
// only compiled paths and is safe for concurrent use.
type Extractor struct {
	project       projectPaths
	organisation  organisationPaths
	organisations *xpath.Expr
}

// New compiles the field paths for documents whose record elements live in
// the namespace bound to prefix. An empty prefix addresses unqualified
// elements.
func New(namespaces map[string]string, prefix string) (*Extractor, error) {
	if _, ok := namespaces[prefix]; prefix != "" && !ok {
		return nil, eris.Errorf("extract: prefix %q has no namespace", prefix)
	}
	c := compiler{ns: namespaces, prefix: prefix}
	e := &Extractor{
		project: projectPaths{
			rcn:            c.path("rcn"),
			reference:      c.path("id"),
			acronym:        c.path("acronym"),
			title:          c.path("title"),
			totalCost:      c.path("totalCost"),
			ecContribution: c.path("ecMaxContribution"),
			teaser:         c.path("teaser"),
			objective:      c.path("objective"),
			startDate:      c.path("startDate"),
			endDate:        c.path("endDate"),
			status:         c.path("status"),
		},
		organisation: organisationPaths{
			ecContribution: c.attr("ecContribution"),
			order:          c.attr("order"),
			kind:           c.attr("type"),
			id:             c.path("id"),
			shortName:      c.path("shortName"),
			legalName:      c.path("legalName"),
			city:           c.path("address", "city"),
			country:        c.path("address", "country"),
		},
		organisations: c.descendants("organization"),
	}
	if c.err != nil {
		return nil, c.err
	}
	return e, nil
}

type compiler struct {
	ns     map[string]string
	prefix string
	err    error
}

func (c *compiler) qualify(name string) string {
	if c.prefix == "" {
		return name
	}
	return c.prefix + ":" + name
}

func (c *compiler) compile(expr string) *xpath.Expr {
	if c.err != nil {
		return nil
	}
	var (
		x   *xpath.Expr
		err error
	)
	if len(c.ns) > 0 {
		x, err = xpath.CompileWithNS(expr, c.ns)
	} else {
		x, err = xpath.Compile(expr)
	}
	if err != nil {
		c.err = eris.Wrapf(err, "extract: compile %q", expr)
	}
	return x
}

// path addresses a child element chain relative to the context node.
func (c *compiler) path(steps ...string) *xpath.Expr {
	expr := ""
	for i, s := range steps {
		if i > 0 {
			expr += "/"
		}
		expr += c.qualify(s)
	}
	return c.compile(expr)
}

// attr addresses an unqualified attribute of the context node.
func (c *compiler) attr(name string) *xpath.Expr {
	return c.compile("@" + name)
}

// descendants addresses matching elements at any depth below the context node.
func (c *compiler) descendants(name string) *xpath.Expr {
	return c.compile(".//" + c.qualify(name))
}

// lookup resolves expr against n. A missing element or attribute yields an
// absent Value; a present one yields its normalized text.
func lookup(caser cases.Caser, n *xmlquery.Node, expr *xpath.Expr) Value {
	found := xmlquery.QuerySelector(n, expr)
	if found == nil {
		return Value{}
	}
	return Text(normalize(caser, found.InnerText()))
}

// ExtractFile parses and extracts the project document at path.
func (e *Extractor) ExtractFile(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, eris.Wrapf(err, "extract: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	return e.extract(f, path)
}

// Extract parses one project document from r. A document that is not
// well-formed yields a MalformedRecord error.
func (e *Extractor) Extract(r io.Reader) (Record, error) {
	return e.extract(r, "<reader>")
}

func (e *Extractor) extract(r io.Reader, name string) (Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Record{}, eris.Wrapf(err, "extract: read %s", name)
	}
	if err := checkDocument(data); err != nil {
		return Record{}, fault.New(fault.MalformedRecord, name, err)
	}
	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return Record{}, fault.New(fault.MalformedRecord, name, err)
	}
	root := rootElement(doc)
	if root == nil {
		return Record{}, fault.New(fault.MalformedRecord, name, eris.New("no root element"))
	}
	return e.ExtractNode(root), nil
}

// checkDocument enforces the document-level rules the tree parser lets
// through: exactly one root element and no text outside it.
func checkDocument(data []byte) error {
	d := xml.NewDecoder(bytes.NewReader(data))
	d.CharsetReader = charset.NewReaderLabel

	depth, roots := 0, 0
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
				if roots > 1 {
					return eris.Errorf("second root element <%s>", t.Name.Local)
				}
			}
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && len(bytes.TrimSpace(t)) > 0 {
				return eris.New("text outside the root element")
			}
		}
	}
	if roots == 0 {
		return eris.New("no root element")
	}
	return nil
}

func rootElement(doc *xmlquery.Node) *xmlquery.Node {
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			return n
		}
	}
	return nil
}

// ExtractNode extracts a record from a parsed project element.
func (e *Extractor) ExtractNode(root *xmlquery.Node) Record {
	caser := newCaser()
	p := e.project
	rec := Record{
		Project: Project{
			RCN:            lookup(caser, root, p.rcn),
			Reference:      lookup(caser, root, p.reference),
			Acronym:        lookup(caser, root, p.acronym),
			Title:          lookup(caser, root, p.title),
			TotalCost:      lookup(caser, root, p.totalCost),
			ECContribution: lookup(caser, root, p.ecContribution),
			Teaser:         lookup(caser, root, p.teaser),
			Objective:      lookup(caser, root, p.objective),
			StartDate:      lookup(caser, root, p.startDate),
			EndDate:        lookup(caser, root, p.endDate),
			Status:         lookup(caser, root, p.status),
		},
	}

	o := e.organisation
	for _, n := range xmlquery.QuerySelectorAll(root, e.organisations) {
		rec.Organisations = append(rec.Organisations, Organisation{
			ProjectRCN:     rec.Project.RCN,
			ID:             lookup(caser, n, o.id),
			Order:          lookup(caser, n, o.order),
			Type:           lookup(caser, n, o.kind),
			ShortName:      lookup(caser, n, o.shortName),
			LegalName:      lookup(caser, n, o.legalName),
			City:           lookup(caser, n, o.city),
			Country:        lookup(caser, n, o.country),
			ECContribution: lookup(caser, n, o.ecContribution),
		})
	}
	return rec
}
