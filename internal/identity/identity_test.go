package identity

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/legiswatch/internal/hash/sha1"
	"github.com/JakeFAU/legiswatch/internal/monitor"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "requerimento de urgencia", Normalize("  Requerimento   de\tURGÊNCIA \n"))
	assert.Equal(t, "mensagem nº 85", Normalize("MENSAGEM Nº 85"))
	assert.Equal(t, "", Normalize(""))
}

func TestContainsAny(t *testing.T) {
	t.Parallel()

	assert.True(t, ContainsAny("Pedido de Urgência", []string{"urgencia"}))
	assert.True(t, ContainsAny("Leitura da MENSAGEM", []string{"projeto", "mensagem"}))
	assert.False(t, ContainsAny("Projeto de Lei 12/2025", []string{"mensagem"}))
	assert.True(t, ContainsAny("anything", nil))
}

func TestKeyMessageAndNumberYear(t *testing.T) {
	t.Parallel()

	ex := New(nil, sha1.New())
	id := ex.Identify("Mensagem nº 85 encaminha o Projeto de Lei 85/2025 do Poder Executivo")
	key, related, err := ex.Key(id, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "85/2025_MSG85", key)
	assert.Empty(t, related)
}

func TestKeyNumberYearOnly(t *testing.T) {
	t.Parallel()

	ex := New(nil, sha1.New())
	key, _, err := ex.Key(ex.Identify("Projeto de Lei 85/2025"), nil, false)
	require.NoError(t, err)
	assert.Equal(t, "85/2025", key)
}

func TestKeyMessageOnly(t *testing.T) {
	t.Parallel()

	ex := New(nil, sha1.New())
	key, _, err := ex.Key(ex.Identify("Leitura da Mensagem n. 120"), nil, false)
	require.NoError(t, err)
	assert.Equal(t, "MSG120", key)
}

func TestKeySynthetic(t *testing.T) {
	t.Parallel()

	ex := New(nil, sha1.New())
	id := ex.Identify("Dep. Fulano", "Requer urgencia na tramitacao")
	require.True(t, id.Empty())

	key, related, err := ex.Key(id, []string{"05/08/2025", "Dep. Fulano", "Requer urgencia na tramitacao"}, true)
	require.NoError(t, err)
	assert.Equal(t, "K:26d3c0465f186479", key)
	assert.Empty(t, related)

	spaced, _, err := ex.Key(id, []string{" 05/08/2025 ", "Dep.   Fulano", "Requer urgencia\n na tramitacao"}, true)
	require.NoError(t, err)
	assert.Equal(t, key, spaced, "incidental whitespace must not change the key")

	other, _, err := ex.Key(id, []string{"05/08/2025", "Dep. Fulano", "Outro conteudo"}, true)
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestKeyRejectsWithoutSynthesis(t *testing.T) {
	t.Parallel()

	ex := New(nil, sha1.New())
	_, _, err := ex.Key(ex.Identify("sem numero algum"), nil, false)
	require.ErrorIs(t, err, ErrNoIdentity)
}

func TestIdentifyRelatedKeys(t *testing.T) {
	t.Parallel()

	ex := New([]monitor.IdentityPattern{
		{Class: monitor.PatternNumberYear, Expr: regexp.MustCompile(`\b\d{4}/\d{4}\b`)},
	}, sha1.New())

	id := ex.Identify("Dep. Fulano 1234/2025, 1235/2025 e 1234/2025")
	key, related, err := ex.Key(id, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "1234/2025", key)
	assert.Equal(t, []string{"1235/2025"}, related)
}

func TestIdentifyTextPriority(t *testing.T) {
	t.Parallel()

	ex := New([]monitor.IdentityPattern{
		{Class: monitor.PatternNumberYear, Expr: DefaultNumberYear},
		{Class: monitor.PatternDocument, Expr: DefaultDocument},
	}, sha1.New())

	id := ex.Identify("Mensagem 9.406 - 823/2025", "Veto 17/2024")
	require.Len(t, id.NumberYears, 1)
	assert.Equal(t, monitor.NumberYear{Number: "823", Year: "2025"}, id.NumberYears[0])
	assert.Equal(t, "9406", id.DocumentID)

	fallback := ex.Identify("Mensagem sem numero", "Veto 17/2024")
	require.NotNil(t, fallback.Primary())
	assert.Equal(t, "17/2024", fallback.Primary().String())
}
