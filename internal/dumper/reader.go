package dumper

import (
	"encoding/json"
	"fmt"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"

	"feedflow/internal/market"
)

// FileData is the full content of one partition file read back into memory.
type FileData struct {
	Records  []market.Record
	Columns  []Column
	Metadata map[string]string
}

// ReadAll reads every row and the file-level metadata of a finalized
// partition file. Null cells come back as untyped nils. It is used by the
// pseudo-append path on reopen and by tests verifying round-trips.
func ReadAll(path string) (*FileData, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetColumnReader(fr, 1)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer pr.ReadStop()

	data := &FileData{Metadata: make(map[string]string)}
	for _, kv := range pr.Footer.KeyValueMetadata {
		if kv.Value != nil {
			data.Metadata[kv.Key] = *kv.Value
		}
	}

	num := int(pr.GetNumRows())
	data.Records = make([]market.Record, num)
	for i := range data.Records {
		data.Records[i] = make(market.Record)
	}

	// The footer stores the writer's mangled Go names (Price, Side), not the
	// record keys the rows were written with. The original names are recorded
	// in key-value metadata at write time, in footer schema order.
	var names []string
	if raw, ok := data.Metadata[columnNamesKey]; ok {
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			return nil, fmt.Errorf("read %s: column names metadata: %w", path, err)
		}
	}

	// Footer schema element 0 is the root; a partition file is always flat,
	// so every following element is one leaf column.
	for i, el := range pr.Footer.Schema[1:] {
		col, err := columnFromElement(el)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if i < len(names) {
			col.Name = names[i]
		}
		data.Columns = append(data.Columns, col)

		values, _, dls, err := pr.ReadColumnByIndex(int64(i), int64(num))
		if err != nil {
			return nil, fmt.Errorf("read %s column %s: %w", path, col.Name, err)
		}
		for j := 0; j < num && j < len(values); j++ {
			if dls[j] == 0 {
				data.Records[j][col.Name] = nil
				continue
			}
			data.Records[j][col.Name] = values[j]
		}
	}
	return data, nil
}

func columnFromElement(el *parquet.SchemaElement) (Column, error) {
	if el.Type == nil {
		return Column{}, fmt.Errorf("column %s: nested schema not supported", el.Name)
	}
	col := Column{Name: el.Name}
	switch *el.Type {
	case parquet.Type_INT64:
		col.Type = Int64
	case parquet.Type_DOUBLE:
		col.Type = Double
	case parquet.Type_BOOLEAN:
		col.Type = Boolean
	case parquet.Type_BYTE_ARRAY:
		col.Type = String
	default:
		return Column{}, fmt.Errorf("column %s: unsupported physical type %s", el.Name, el.Type)
	}
	return col, nil
}
