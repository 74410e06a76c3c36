package reporting

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

// JUnitDocument renders bugs as a JUnit XML report: one test suite per page
// and one failing test case per open bug. Dismissed bugs are skipped cases and
// duplicates are left out. A run without bugs yields one passing case.
func JUnitDocument(summary schemas.RunSummary, bugs []schemas.Bug) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("testsuites")
	root.CreateAttr("name", "bughive")

	byPage := make(map[string][]schemas.Bug)
	for _, b := range bugs {
		if b.IsDuplicate {
			continue
		}
		page := b.SourceURL
		if page == "" {
			page = summary.TargetURL
		}
		byPage[page] = append(byPage[page], b)
	}
	pages := make([]string, 0, len(byPage))
	for p := range byPage {
		pages = append(pages, p)
	}
	sort.Strings(pages)

	totalTests, totalFailures := 0, 0
	if len(pages) == 0 {
		suite := newSuite(root, summary, summary.TargetURL)
		tc := suite.CreateElement("testcase")
		tc.CreateAttr("classname", "bughive")
		tc.CreateAttr("name", "no bugs found")
		suite.CreateAttr("tests", "1")
		suite.CreateAttr("failures", "0")
		suite.CreateAttr("skipped", "0")
		totalTests = 1
	}

	for _, page := range pages {
		suite := newSuite(root, summary, page)
		failures, skipped := 0, 0
		for _, b := range byPage[page] {
			tc := suite.CreateElement("testcase")
			tc.CreateAttr("classname", "bughive."+string(b.Category))
			tc.CreateAttr("name", b.Title)
			if b.Status == schemas.StatusDismissed {
				sk := tc.CreateElement("skipped")
				sk.CreateAttr("message", "dismissed: "+b.ValidationNotes)
				skipped++
				continue
			}
			f := tc.CreateElement("failure")
			f.CreateAttr("type", string(b.Priority))
			f.CreateAttr("message", b.Title)
			f.SetText(failureText(b))
			failures++
		}
		n := len(byPage[page])
		suite.CreateAttr("tests", strconv.Itoa(n))
		suite.CreateAttr("failures", strconv.Itoa(failures))
		suite.CreateAttr("skipped", strconv.Itoa(skipped))
		totalTests += n
		totalFailures += failures
	}

	root.CreateAttr("tests", strconv.Itoa(totalTests))
	root.CreateAttr("failures", strconv.Itoa(totalFailures))
	root.CreateAttr("time", fmt.Sprintf("%.3f", summary.Duration.Seconds()))
	doc.Indent(2)
	return doc
}

func newSuite(root *etree.Element, summary schemas.RunSummary, name string) *etree.Element {
	suite := root.CreateElement("testsuite")
	suite.CreateAttr("name", name)
	suite.CreateAttr("timestamp", summary.StartedAt.Format("2006-01-02T15:04:05"))
	props := suite.CreateElement("properties")
	for _, kv := range [][2]string{{"session_id", summary.SessionID}, {"target_url", summary.TargetURL}} {
		p := props.CreateElement("property")
		p.CreateAttr("name", kv[0])
		p.CreateAttr("value", kv[1])
	}
	return suite
}

func failureText(b schemas.Bug) string {
	var sb strings.Builder
	sb.WriteString(b.Description)
	for i, step := range b.ReproSteps {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, step)
	}
	if b.ExternalURL != "" {
		sb.WriteString("\nTicket: " + b.ExternalURL)
	}
	return sb.String()
}

// WriteJUnitTo writes the JUnit report to w.
func WriteJUnitTo(w io.Writer, summary schemas.RunSummary, bugs []schemas.Bug) error {
	_, err := JUnitDocument(summary, bugs).WriteTo(w)
	return err
}

// WriteJUnit writes the JUnit report to path, creating parent directories.
func WriteJUnit(path string, summary schemas.RunSummary, bugs []schemas.Bug) error {
	f, err := create(path)
	if err != nil {
		return err
	}
	if err := WriteJUnitTo(f, summary, bugs); err != nil {
		f.Close()
		return fmt.Errorf("failed to write junit report: %w", err)
	}
	return f.Close()
}
