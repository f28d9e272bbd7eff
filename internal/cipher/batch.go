package cipher

import (
	"github.com/sirupsen/logrus"

	"dm-service/internal/models"
)

// Open decrypts a single message. A failing record yields a nil body and
// DecryptError instead of an error so callers can keep going.
func (c *Cipher) Open(msg models.Message) models.MessageView {
	view := models.MessageView{Message: msg}
	plaintext, err := c.Decrypt(msg.Ciphertext, msg.EnvelopeVersion)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"message_id":       msg.ID,
			"envelope_version": msg.EnvelopeVersion,
			"error":            err.Error(),
		}).Warn("message body could not be decrypted")
		view.DecryptError = true
		return view
	}
	view.Content = &plaintext
	return view
}

// OpenAll decrypts a batch, isolating failures per record.
func (c *Cipher) OpenAll(msgs []models.Message) []models.MessageView {
	views := make([]models.MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, c.Open(m))
	}
	return views
}
