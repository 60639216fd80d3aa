package config

import "testing"

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name            string
		raw             string
		turnRESTEnabled bool
		wantServers     int
		wantErr         bool
	}{
		{
			name: "stun and turn",
			raw: `[{"urls":["stun:stun.example.com:3478"]},
				{"urls":["turn:turn.example.com:3478?transport=udp"],"username":"user","credential":"pass"}]`,
			wantServers: 2,
		},
		{
			name:        "single string urls",
			raw:         `[{"urls":"stun:stun.example.com:3478"}]`,
			wantServers: 1,
		},
		{
			name:    "turn without creds",
			raw:     `[{"urls":["turn:turn.example.com:3478"]}]`,
			wantErr: true,
		},
		{
			name:            "turn without creds under turn rest",
			raw:             `[{"urls":["turn:turn.example.com:3478"]}]`,
			turnRESTEnabled: true,
			wantServers:     1,
		},
		{
			name:    "unsupported scheme",
			raw:     `[{"urls":["http://example.com"]}]`,
			wantErr: true,
		},
		{
			name:    "missing urls",
			raw:     `[{"username":"u"}]`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `{`,
			wantErr: true,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			servers, err := ParseICEServersJSON(tc.raw, tc.turnRESTEnabled)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %#v", servers)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseICEServersJSON: %v", err)
			}
			if len(servers) != tc.wantServers {
				t.Fatalf("servers=%d, want %d", len(servers), tc.wantServers)
			}
		})
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersFromConvenienceEnv(
		"stun:a.example.com, stun:b.example.com",
		"turn:turn.example.com:3478",
		"user",
		"pass",
		false,
	)
	if err != nil {
		t.Fatalf("ParseICEServersFromConvenienceEnv: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers=%d, want 2", len(servers))
	}
	if got := servers[0].URLs; len(got) != 2 || got[1] != "stun:b.example.com" {
		t.Fatalf("stun urls=%#v", got)
	}
	if servers[1].Username != "user" || servers[1].Credential.(string) != "pass" {
		t.Fatalf("turn server=%#v", servers[1])
	}

	if _, err := ParseICEServersFromConvenienceEnv("", "turn:turn.example.com", "user", "", false); err == nil {
		t.Fatalf("expected error for TURN without credential")
	}

	servers, err = ParseICEServersFromConvenienceEnv("", "turn:turn.example.com", "", "", true)
	if err != nil {
		t.Fatalf("ParseICEServersFromConvenienceEnv: %v", err)
	}
	if servers[0].Username != "" || servers[0].Credential != nil {
		t.Fatalf("expected TURN creds empty under TURN REST: %#v", servers[0])
	}
}
