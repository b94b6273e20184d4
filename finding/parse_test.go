package finding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/injector/types"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		element types.ContractOutputElement
		output  string
		want    []string
		wantErr bool
	}{
		{
			name:    "text scalar",
			element: types.ContractOutputElement{Key: "k", Type: types.OutputText, IsFinding: true},
			output:  `{"k":"hello"}`,
			want:    []string{"hello"},
		},
		{
			name:    "numbers keep their literal form",
			element: types.ContractOutputElement{Key: "k", Type: types.OutputNumber, IsFinding: true},
			output:  `{"k":[1.5, "2", 3]}`,
			want:    []string{"1.5", "2", "3"},
		},
		{
			name:    "port out of range",
			element: types.ContractOutputElement{Key: "k", Type: types.OutputPort, IsFinding: true},
			output:  `{"k":70000}`,
			wantErr: true,
		},
		{
			name:    "port scan",
			element: types.ContractOutputElement{Key: "k", Type: types.OutputPortsScan, IsFinding: true},
			output:  `{"k":[{"host":"10.0.0.1","port":22,"service":"ssh"},{"host":"10.0.0.2","port":"80"}]}`,
			want:    []string{"10.0.0.1:22 (ssh)", "10.0.0.2:80"},
		},
		{
			name:    "ipv4",
			element: types.ContractOutputElement{Key: "k", Type: types.OutputIPv4, IsFinding: true},
			output:  `{"k":["192.168.1.10"]}`,
			want:    []string{"192.168.1.10"},
		},
		{
			name:    "ipv6 rejected as ipv4",
			element: types.ContractOutputElement{Key: "k", Type: types.OutputIPv4, IsFinding: true},
			output:  `{"k":"::1"}`,
			wantErr: true,
		},
		{
			name:    "ipv6",
			element: types.ContractOutputElement{Key: "k", Type: types.OutputIPv6, IsFinding: true},
			output:  `{"k":"2001:db8::1"}`,
			want:    []string{"2001:db8::1"},
		},
		{
			name:    "credentials",
			element: types.ContractOutputElement{Key: "k", Type: types.OutputCredentials, IsFinding: true},
			output:  `{"k":{"username":"admin","password":"hunter2"}}`,
			want:    []string{"admin:hunter2"},
		},
		{
			name:    "credentials without user",
			element: types.ContractOutputElement{Key: "k", Type: types.OutputCredentials, IsFinding: true},
			output:  `{"k":{"password":"x"}}`,
			wantErr: true,
		},
		{
			name:    "cve normalized",
			element: types.ContractOutputElement{Key: "k", Type: types.OutputCVE, IsFinding: true},
			output:  `{"k":["cve-2021-44228", {"id":"CVE-2014-0160"}]}`,
			want:    []string{"CVE-2021-44228", "CVE-2014-0160"},
		},
		{
			name:    "not a finding element",
			element: types.ContractOutputElement{Key: "k", Type: types.OutputText},
			output:  `{"k":"ignored"}`,
		},
		{
			name:    "missing key",
			element: types.ContractOutputElement{Key: "other", Type: types.OutputText, IsFinding: true},
			output:  `{"k":"x"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := Parse([]types.ContractOutputElement{tt.element}, []byte(tt.output))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			got := make([]string, 0, len(values))
			for _, v := range values {
				got = append(got, v.Value)
			}
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_EmptyOrInvalid(t *testing.T) {
	values, err := Parse(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, values)

	_, err = Parse(nil, []byte("not json"))
	assert.Error(t, err)
}
