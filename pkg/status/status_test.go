package status

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeErr(t *testing.T) {
	assert.NoError(t, Success.Err())
	assert.Error(t, NoObj.Err())
	assert.Equal(t, "no object found", NoObj.Error())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Success, CodeOf(nil))
	assert.Equal(t, NoVDI, CodeOf(NoVDI.Err()))
	assert.Equal(t, SystemError, CodeOf(fmt.Errorf("something else")))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Contains(t, Code(200).String(), "invalid result code")
}
