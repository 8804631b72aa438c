package gearman

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogCreate_MissingField(t *testing.T) {
	_, err := catalog.Create("SUBMIT_JOB", map[string]string{"function_name": "echo"}, []byte("payload"), MagicReq)
	require.Error(t, err)
	gerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindArgMismatch, gerr.Kind)
}

func TestCatalogCreate_UnknownField(t *testing.T) {
	_, err := catalog.Create("CAN_DO", map[string]string{"function_name": "echo", "bogus": "x"}, nil, MagicReq)
	require.Error(t, err)
	gerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindArgMismatch, gerr.Kind)
}

func TestCatalogCreate_DataWithoutDataField(t *testing.T) {
	_, err := catalog.Create("CAN_DO", map[string]string{"function_name": "echo"}, []byte("oops"), MagicReq)
	require.Error(t, err)
	gerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindArgMismatch, gerr.Kind)
}

func TestCatalogCreate_UnknownCommand(t *testing.T) {
	_, err := catalog.Create("NOT_A_REAL_COMMAND", nil, nil, MagicReq)
	require.Error(t, err)
	gerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindUnknownCommand, gerr.Kind)
}

func TestCatalogCreate_UnknownCode(t *testing.T) {
	_, err := catalog.Create(PacketType(40), nil, nil, MagicReq)
	require.Error(t, err)
	gerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindUnknownCommand, gerr.Kind)
}

func TestCatalogCreate_OK(t *testing.T) {
	cmd, err := catalog.Create("SUBMIT_JOB", map[string]string{"function_name": "echo", "id": "u1"}, []byte("hello"), MagicReq)
	require.NoError(t, err)
	assert.Equal(t, "echo", cmd.Arg("function_name"))
	assert.Equal(t, "u1", cmd.Arg("id"))
	assert.Equal(t, []byte("hello"), cmd.Data)
	assert.Equal(t, SUBMIT_JOB, cmd.Type.Code)
}

func TestCatalogCreate_ZeroFieldCommand(t *testing.T) {
	cmd, err := catalog.Create("RESET_ABILITIES", nil, nil, MagicReq)
	require.NoError(t, err)
	assert.Empty(t, cmd.Args)
	assert.Empty(t, cmd.Data)
}
