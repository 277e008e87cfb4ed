package nest

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLookupEnvironment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		key      string
		host     string
		clientID string
		want     Environment
		wantErr  bool
	}{
		{name: "empty key is production", key: "", want: Production},
		{name: "production", key: "production", want: Production},
		{name: "case insensitive", key: " Production ", want: Production},
		{
			name: "production host override",
			key:  "production",
			host: "https://proxy.example.com/",
			want: Environment{Key: EnvironmentProduction, Name: "Google Account", ClientID: ProductionClientID, Host: "https://proxy.example.com"},
		},
		{
			name:     "fieldtest with overrides",
			key:      "fieldtest",
			host:     "https://ft.example.com",
			clientID: "ft-client",
			want:     Environment{Key: EnvironmentFieldTest, Name: "Google Account (Field Test)", ClientID: "ft-client", Host: "https://ft.example.com"},
		},
		{name: "fieldtest without host", key: "fieldtest", clientID: "ft-client", wantErr: true},
		{name: "fieldtest without client id", key: "fieldtest", host: "https://ft.example.com", wantErr: true},
		{name: "unknown", key: "staging", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := LookupEnvironment(tt.key, tt.host, tt.clientID)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LookupEnvironment() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("LookupEnvironment() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
