package notify

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"

	"github.com/lead-router/internal/models"
)

const projectBlock = `Zip: {{.Lead.Zip}}
{{- if .Lead.ProjectType}}
Project type: {{.Lead.ProjectType}}{{end}}
{{- if .Lead.ProjectSize}}
Project size: {{.Lead.ProjectSize}}{{end}}
{{- if .Lead.Timeframe}}
Timeframe: {{.Lead.Timeframe}}{{end}}`

const contactBlock = `Name: {{if .Lead.Name}}{{.Lead.Name}}{{else}}(not given){{end}}
Phone: {{.Lead.Phone}}
{{- if .Lead.Email}}
Email: {{.Lead.Email}}{{end}}
{{- if .Lead.Note}}
Note: {{.Lead.Note}}{{end}}`

var templates = template.Must(template.New("leads").Parse(`
{{define "full"}}You have a new lead ({{.Lead.ID}}).

` + contactBlock + `
` + projectBlock + `

One credit was used for this lead.
{{end}}

{{define "teaser"}}A customer near you is looking for help ({{.Lead.ID}}).

` + projectBlock + `

Your credit balance is empty, so contact details are hidden.
Unlock this lead: {{.PaymentURL}}
{{end}}

{{define "purchased"}}Thanks for your purchase. Here is lead {{.Lead.ID}}.

` + contactBlock + `
` + projectBlock + `
{{end}}
`))

type leadView struct {
	Lead       *models.Lead
	PaymentURL string
}

func render(name string, view leadView) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, view); err != nil {
		return "", fmt.Errorf("render %s email: %w", name, err)
	}
	return buf.String(), nil
}

// FullLeadMessage carries the lead's contact details to a charged provider
func FullLeadMessage(to string, lead *models.Lead) (Message, error) {
	text, err := render("full", leadView{Lead: lead})
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: fmt.Sprintf("New lead in %s", lead.Zip), Text: text}, nil
}

// TeaserMessage describes the project without contact details and links to the payment page
func TeaserMessage(to string, lead *models.Lead, paymentURL string) (Message, error) {
	text, err := render("teaser", leadView{Lead: lead, PaymentURL: paymentURL})
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: fmt.Sprintf("Lead available in %s", lead.Zip), Text: text}, nil
}

// PurchasedLeadMessage delivers a bought lead to its buyer
func PurchasedLeadMessage(to string, lead *models.Lead) (Message, error) {
	text, err := render("purchased", leadView{Lead: lead})
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: fmt.Sprintf("Your lead %s", lead.ID), Text: text}, nil
}

// AlertMessage formats an operator alert
func AlertMessage(to, kind, message string, fields map[string]interface{}) Message {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s\n\n", message)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s: %v\n", k, fields[k])
	}

	return Message{To: to, Subject: "[lead-router alert] " + kind, Text: buf.String()}
}
