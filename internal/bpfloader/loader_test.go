package bpfloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSection(t *testing.T) {
	tests := []struct {
		section string
		want    attachPoint
		wantErr bool
	}{
		{section: "kprobe/tcp_sendmsg", want: attachPoint{kind: attachKprobe, symbol: "tcp_sendmsg"}},
		{section: "kretprobe/inet_csk_accept", want: attachPoint{kind: attachKretprobe, symbol: "inet_csk_accept"}},
		{section: "tracepoint/sock/inet_sock_set_state", want: attachPoint{kind: attachTracepoint, group: "sock", symbol: "inet_sock_set_state"}},
		{section: "tp/syscalls/sys_enter_recvfrom", want: attachPoint{kind: attachTracepoint, group: "syscalls", symbol: "sys_enter_recvfrom"}},
		{section: "raw_tp/sched_process_exit", want: attachPoint{kind: attachRawTracepoint, symbol: "sched_process_exit"}},
		{section: "socket", want: attachPoint{kind: attachNone}},
		{section: ".text", want: attachPoint{kind: attachNone}},
		{section: "kprobe/", wantErr: true},
		{section: "tracepoint/sock", wantErr: true},
		{section: "raw_tracepoint/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.section, func(t *testing.T) {
			got, err := parseSection(tt.section)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
