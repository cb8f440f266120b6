package tarindex

import "fmt"

import "github.com/container-investigations/cc-fs/pkg/ccerrors"

type paxRecord struct {
	key   string
	value []byte
}

// parsePaxRecords walks a PAX extended header block, whose records have
// the form "<decimal length> <key>=<value>\n". The leading length is
// ignored; each record is found by scanning to the next space, then the
// next '=', then the next newline.
func parsePaxRecords(buf []byte) ([]paxRecord, error) {
	var records []paxRecord
	p := 0

	skipTo := func(ch byte) (int, error) {
		for p < len(buf) && buf[p] != ch {
			p++
		}
		if p >= len(buf) {
			return 0, fmt.Errorf("%w: unterminated pax record", ccerrors.ErrMalformedPaxRecord)
		}
		p++
		return p, nil
	}

	for {
		nameStart, err := skipTo(' ')
		if err != nil {
			return nil, err
		}
		nameEndPos, err := skipTo('=')
		if err != nil {
			return nil, err
		}
		nameEnd := nameEndPos - 1
		valueStart := nameEnd + 1
		valueEndPos, err := skipTo('\n')
		if err != nil {
			return nil, err
		}
		valueEnd := valueEndPos - 1

		if nameEnd < nameStart || valueEnd < valueStart {
			return nil, fmt.Errorf("%w: malformed pax entry", ccerrors.ErrMalformedPaxRecord)
		}

		records = append(records, paxRecord{
			key:   string(buf[nameStart:nameEnd]),
			value: buf[valueStart:valueEnd],
		})

		if valueEnd+1 >= len(buf) || buf[valueEnd+1] == 0 {
			break
		}
	}

	return records, nil
}

func ensureAbsolute(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s
	}
	return "/" + s
}
