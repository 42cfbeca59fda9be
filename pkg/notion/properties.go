package notion

import (
	"time"

	"github.com/jomei/notionapi"
)

func richText(v string) []notionapi.RichText {
	return []notionapi.RichText{
		{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: v}},
	}
}

// Title builds a title property.
func Title(v string) notionapi.TitleProperty {
	return notionapi.TitleProperty{Type: notionapi.PropertyTypeTitle, Title: richText(v)}
}

// Text builds a rich-text property.
func Text(v string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{Type: notionapi.PropertyTypeRichText, RichText: richText(v)}
}

// Select builds a select property.
func Select(v string) notionapi.SelectProperty {
	return notionapi.SelectProperty{Type: notionapi.PropertyTypeSelect, Select: notionapi.Option{Name: v}}
}

// Number builds a number property.
func Number(v float64) notionapi.NumberProperty {
	return notionapi.NumberProperty{Type: notionapi.PropertyTypeNumber, Number: v}
}

// DateAt builds a date property starting at t.
func DateAt(t time.Time) notionapi.DateProperty {
	d := notionapi.Date(t)
	return notionapi.DateProperty{Type: notionapi.PropertyTypeDate, Date: &notionapi.DateObject{Start: &d}}
}

// PlainText flattens a title or rich-text property to its text.
func PlainText(p notionapi.Property) string {
	var parts []notionapi.RichText
	switch v := p.(type) {
	case *notionapi.TitleProperty:
		parts = v.Title
	case *notionapi.RichTextProperty:
		parts = v.RichText
	case notionapi.TitleProperty:
		parts = v.Title
	case notionapi.RichTextProperty:
		parts = v.RichText
	}
	out := ""
	for _, rt := range parts {
		if rt.Text != nil {
			out += rt.Text.Content
		} else {
			out += rt.PlainText
		}
	}
	return out
}
