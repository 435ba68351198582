package notify

import (
	"fmt"
	"strings"
	"text/template"
)

type mailTemplate struct {
	subject string
	body    *template.Template
}

var (
	welcomeTemplate = mailTemplate{
		subject: "Welcome!",
		body: template.Must(template.New("welcome").Parse(
			"Hi {{if .Name}}{{.Name}}{{else}}there{{end}},\n\nYour account is ready.\n")),
	}
	orderCreatedTemplate = mailTemplate{
		subject: "We received your order",
		body: template.Must(template.New("order-created").Parse(
			"Order {{.OrderID}} was created.\n\n{{range .Items}} - {{.ProductID}} x{{.Quantity}}\n{{end}}\nTotal: {{.Total}} {{.Currency}}\n")),
	}
	paymentReceivedTemplate = mailTemplate{
		subject: "Payment received",
		body: template.Must(template.New("payment-received").Parse(
			"We received your payment of {{.Amount}} {{.Currency}} for order {{.OrderID}}.\n")),
	}
)

func render(t mailTemplate, to string, data any) (Message, error) {
	if to == "" {
		return Message{}, fmt.Errorf("no recipient address resolved")
	}
	var sb strings.Builder
	if err := t.body.Execute(&sb, data); err != nil {
		return Message{}, fmt.Errorf("render template: %w", err)
	}
	return Message{To: to, Subject: t.subject, Body: sb.String()}, nil
}
