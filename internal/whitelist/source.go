package whitelist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Source yields the authorized IPs. Implementations must be safe to call
// from the admission goroutine while the previous result is still in use.
type Source interface {
	Load(ctx context.Context) ([]string, error)
	String() string
}

// FileSource reads one IP per line. Blank lines and lines starting with '#'
// are skipped; only the first field of a line is used.
type FileSource struct {
	Path string
}

func (f FileSource) Load(ctx context.Context) ([]string, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open whitelist: %w", err)
	}
	defer fh.Close()
	return Parse(fh)
}

func (f FileSource) String() string { return "file:" + f.Path }

// Parse reads the line-oriented whitelist format.
func Parse(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ip, ok := parseLine(sc.Text()); ok {
			out = append(out, ip)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read whitelist: %w", err)
	}
	return out, nil
}

func parseLine(line string) (string, bool) {
	if strings.HasPrefix(line, "#") {
		return "", false
	}
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return "", false
	}
	return fields[0], true
}

// RedisSource reads the members of a Redis set. Members go through the same
// filtering as file lines so operators can keep comments in the set.
type RedisSource struct {
	Client redis.Cmdable
	Key    string
}

func (r RedisSource) Load(ctx context.Context) ([]string, error) {
	members, err := r.Client.SMembers(ctx, r.Key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", r.Key, err)
	}
	sort.Strings(members)
	out := make([]string, 0, len(members))
	for _, m := range members {
		if ip, ok := parseLine(m); ok {
			out = append(out, ip)
		}
	}
	return out, nil
}

func (r RedisSource) String() string { return "redis:" + r.Key }
