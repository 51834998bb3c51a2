package i18n

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hypnos-tgbot-go/internal/config"
	"github.com/hypnos-tgbot-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMessages(t *testing.T) {
	l, err := NewLocalizer(&config.I18nConfig{DefaultLanguage: "en", Languages: []string{"en"}})
	require.NoError(t, err)

	assert.Equal(t, "Generated! (1 failed)", l.Plural("en", MsgGeneratedPartial, 1, nil))
	assert.Equal(t, "Generated! (4 failed)", l.Plural("en-US", MsgGeneratedPartial, 4, nil))
	assert.Equal(t, "Generated! (1,200 failed)", l.Plural("en", MsgGeneratedPartial, 1200, nil))
	assert.Equal(t, "Limit reached. Ask the bot owner (@rictic) to update your limits.",
		l.Get("fr", MsgLimitReached, map[string]interface{}{"Owner": "@rictic"}))
	assert.Equal(t, "missing_id", l.Get("en", "missing_id", nil))
}

func TestLanguageFilesOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "de.json"),
		[]byte(`{"context_cleared": "Unterhaltung gelöscht."}`), 0o644))

	l, err := NewLocalizer(&config.I18nConfig{
		DefaultLanguage: "en",
		Languages:       []string{"en", "de"},
		Directory:       dir,
	})
	require.NoError(t, err)

	assert.Equal(t, "Unterhaltung gelöscht.", l.Get("de", MsgContextCleared, nil))
	assert.Equal(t, "Unterhaltung gelöscht.", l.Get("de-AT", MsgContextCleared, nil))
	// Untranslated ids fall back to English
	assert.Equal(t, "Generated!", l.Get("de", MsgGenerated, nil))
	assert.Equal(t, "Generated! (2 failed)", l.Plural("de-AT", MsgGeneratedPartial, 2, nil))
	assert.Equal(t, "I'm still working on your last request. Try again in a moment.", l.Get("de", MsgBusy, nil))
}

func TestDollars(t *testing.T) {
	assert.Equal(t, "$5.00", Dollars(models.Cents(500)))
	assert.Equal(t, "$0.04", Dollars(models.Cents(4)))
	assert.Equal(t, "$1,234.50", Dollars(models.Cents(123450)))
	assert.Equal(t, "$-0.12", Dollars(-models.Cents(12)))
}
