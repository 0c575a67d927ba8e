package gmail

import (
	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/dhcgn/mail-to-sheets/model"
)

// ToModel copies an API message into the source-neutral model.
func ToModel(m *gmailv1.Message) model.Message {
	if m == nil {
		return model.Message{}
	}
	msg := model.Message{
		ID:           m.Id,
		InternalDate: m.InternalDate,
		Payload:      toPart(m.Payload),
	}
	if len(m.LabelIds) > 0 {
		msg.LabelIDs = append([]string(nil), m.LabelIds...)
	}
	return msg
}

func toPart(p *gmailv1.MessagePart) *model.MessagePart {
	if p == nil {
		return nil
	}

	part := &model.MessagePart{
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	for _, h := range p.Headers {
		if h == nil {
			continue
		}
		part.Headers = append(part.Headers, model.Header{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		part.Body = &model.PartBody{Data: p.Body.Data, Size: p.Body.Size}
	}
	for _, child := range p.Parts {
		if child == nil {
			continue
		}
		part.Parts = append(part.Parts, toPart(child))
	}
	return part
}
