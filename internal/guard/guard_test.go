package guard

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver answers from a static table.
type fakeResolver map[string][]string

func (f fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := f[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return out, nil
}

func TestValidate(t *testing.T) {
	resolver := fakeResolver{
		"example.com":           {"93.184.216.34", "2606:2800:220:1:248:1893:25c8:1946"},
		"mixed.example":         {"93.184.216.34", "10.0.0.5"},
		"metadata.example":      {"169.254.169.254"},
		"mapped.example":        {"::ffff:127.0.0.1"},
		"empty.example":         {},
		"xn--bcher-kva.example": {"93.184.216.35"},
	}
	g := New(WithResolver(resolver))

	tests := []struct {
		name       string
		url        string
		wantReason string
		wantHost   string
	}{
		{name: "https ok", url: "https://example.com/path", wantHost: "example.com"},
		{name: "case and trailing dot", url: "http://EXAMPLE.com./", wantHost: "example.com"},
		{name: "idn", url: "https://bücher.example/", wantHost: "xn--bcher-kva.example"},
		{name: "ftp", url: "ftp://example.com/", wantReason: ReasonScheme},
		{name: "no scheme", url: "example.com", wantReason: ReasonScheme},
		{name: "missing host", url: "http:///nohost", wantReason: ReasonInvalidHost},
		{name: "localhost", url: "http://localhost:8080/", wantReason: ReasonBlockedHost},
		{name: "localhost upper dotted", url: "http://LOCALHOST./", wantReason: ReasonBlockedHost},
		{name: "unresolvable", url: "http://nowhere.example/", wantReason: ReasonUnresolvable},
		{name: "zero addresses", url: "http://empty.example/", wantReason: ReasonUnresolvable},
		{name: "any private address", url: "http://mixed.example/", wantReason: "Blocked resolved IP: 10.0.0.5"},
		{name: "metadata", url: "http://metadata.example/", wantReason: "Blocked resolved IP: 169.254.169.254"},
		{name: "ipv4 mapped", url: "http://mapped.example/", wantReason: "Blocked resolved IP: 127.0.0.1"},
		{name: "ip literal", url: "http://127.0.0.1/", wantReason: "Blocked resolved IP: 127.0.0.1"},
		{name: "ipv6 literal", url: "http://[::1]:8080/", wantReason: "Blocked resolved IP: ::1"},
		{name: "cgnat literal", url: "http://100.64.1.1/", wantReason: "Blocked resolved IP: 100.64.1.1"},
		{name: "zoned loopback", url: "http://[::1%25lo]/", wantReason: "Blocked resolved IP: ::1"},
		{name: "zoned link-local", url: "http://[fe80::1%25eth0]:8080/", wantReason: "Blocked resolved IP: fe80::1"},
		{name: "zoned multicast", url: "http://[ff02::1%25eth0]/", wantReason: "Blocked resolved IP: ff02::1"},
		{name: "6to4 literal", url: "http://[2002:c0a8:101::1]/", wantReason: "Blocked resolved IP: 2002:c0a8:101::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := g.Validate(context.Background(), tt.url)
			if tt.wantReason != "" {
				require.Error(t, err)
				var unsafe *UnsafeTargetError
				require.True(t, errors.As(err, &unsafe))
				assert.Equal(t, tt.wantReason, unsafe.Reason)
				assert.Nil(t, target)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, target.Host)
			assert.NotEmpty(t, target.Addrs)
		})
	}
}

func TestValidate_DefaultPorts(t *testing.T) {
	g := New(WithResolver(fakeResolver{"example.com": {"93.184.216.34"}}))

	target, err := g.Validate(context.Background(), "http://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "80", target.Port)

	target, err = g.Validate(context.Background(), "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "443", target.Port)

	target, err = g.Validate(context.Background(), "https://example.com:8443/")
	require.NoError(t, err)
	assert.Equal(t, "8443", target.Port)
}

func TestAllowedPrefixes(t *testing.T) {
	g := New(WithAllowedPrefixes(netip.MustParsePrefix("127.0.0.1/32")))

	_, err := g.Validate(context.Background(), "http://127.0.0.1:9999/")
	assert.NoError(t, err)

	_, err = g.Validate(context.Background(), "http://127.0.0.2:9999/")
	assert.Error(t, err)

	_, err = g.Validate(context.Background(), "http://[::1%25lo]:9999/")
	assert.Error(t, err)

	g = New(WithAllowedPrefixes(netip.MustParsePrefix("::1/128")))
	assert.Nil(t, g.CheckAddr(netip.MustParseAddr("::1%lo")))
}

func TestRejectHook(t *testing.T) {
	var reasons []string
	g := New(
		WithResolver(fakeResolver{}),
		WithRejectHook(func(err *UnsafeTargetError) { reasons = append(reasons, err.Reason) }),
	)

	_, _ = g.Validate(context.Background(), "gopher://example.com")
	assert.Error(t, g.CheckConnectedAddr("10.1.2.3:443"))
	assert.NoError(t, g.CheckConnectedAddr("93.184.216.34:443"))
	assert.Error(t, g.CheckConnectedAddr("[::1%lo]:443"))

	assert.Equal(t, []string{ReasonScheme, "Blocked resolved IP: 10.1.2.3", "Blocked resolved IP: ::1"}, reasons)
}

func TestIsBlockedAddr(t *testing.T) {
	blocked := []string{
		"0.0.0.0", "10.255.0.1", "127.0.0.1", "169.254.169.254", "172.16.0.1", "172.31.255.255",
		"192.168.1.1", "100.64.0.1", "224.0.0.1", "239.255.255.250",
		"::", "::1", "fe80::1", "fc00::1", "fd12:3456::1", "ff02::1", "2001:db8::1",
		"::1%lo", "fe80::1%eth0", "ff02::1%1",
		"2001::1", "2001:0:4136:e378:8000:63bf:3fff:fdd2", "2002:c0a8:101::1", "64:ff9b:1::a00:1",
	}
	for _, s := range blocked {
		assert.True(t, IsBlockedAddr(netip.MustParseAddr(s)), s)
	}

	allowed := []string{
		"93.184.216.34", "172.32.0.1", "100.128.0.1", "8.8.8.8", "2606:4700::1111", "2001:4860:4860::8888",
	}
	for _, s := range allowed {
		assert.False(t, IsBlockedAddr(netip.MustParseAddr(s)), s)
	}
}

func TestValidate_AnyBlockedAddressRejects(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	blocked := []string{"127.0.0.1", "169.254.169.254", "10.0.0.5", "::1"}

	properties.Property("a blocked address anywhere in the answer rejects the host", prop.ForAll(
		func(publicOctet uint8, publicCount int, blockedIdx int, position int) bool {
			answer := make([]string, 0, publicCount+1)
			for i := 0; i < publicCount; i++ {
				answer = append(answer, netip.AddrFrom4([4]byte{93, 184, publicOctet, byte(i + 1)}).String())
			}
			if position > len(answer) {
				position = len(answer)
			}
			answer = append(answer[:position], append([]string{blocked[blockedIdx]}, answer[position:]...)...)

			g := New(WithResolver(fakeResolver{"target.example": answer}))
			_, err := g.Validate(context.Background(), "https://target.example/")
			var unsafe *UnsafeTargetError
			return errors.As(err, &unsafe) && unsafe.Reason == "Blocked resolved IP: "+blocked[blockedIdx]
		},
		gen.UInt8(),
		gen.IntRange(0, 5),
		gen.IntRange(0, len(blocked)-1),
		gen.IntRange(0, 6),
	))

	properties.TestingRun(t)
}
